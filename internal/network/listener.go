package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/sbuslink/internal/monitoring"
	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/timeutil"
)

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddFrames(count int)
	LogStats(decodeFrames bool)
}

// FrameHandler receives frames decoded from the UDP byte stream
type FrameHandler interface {
	HandleFrame(p sbus.Packet)
}

// FrameHandlerFunc adapts a function to the FrameHandler interface
type FrameHandlerFunc func(p sbus.Packet)

func (f FrameHandlerFunc) HandleFrame(p sbus.Packet) { f(p) }

// UDPListener receives an SBUS byte stream over UDP (a remote serial tap
// that mirrors raw receiver bytes onto the network) and runs it through a
// reassembler. Datagram boundaries carry no meaning: frames may be split
// or batched arbitrarily, so reassembler state persists across packets.
type UDPListener struct {
	address       string
	rcvBuf        int
	logInterval   time.Duration
	stats         PacketStatsInterface
	forwarder     *PacketForwarder
	handler       FrameHandler
	disableDecode bool
	clock         timeutil.Clock
	reasm         *sbus.Reassembler

	mu   sync.Mutex
	conn *net.UDPConn
}

// UDPListenerConfig contains configuration options for the UDP listener
type UDPListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Stats         PacketStatsInterface
	Forwarder     *PacketForwarder
	Handler       FrameHandler
	DisableDecode bool // mirror/count only, skip the reassembler
}

// NewUDPListener creates a new UDP listener with the provided configuration
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	// Provide a no-op stats implementation when none is supplied to avoid
	// nil pointer dereferences in the packet handling and logging paths.
	var stats PacketStatsInterface
	if config.Stats != nil {
		stats = config.Stats
	} else {
		stats = &noopStats{}
	}

	// Default a sensible log interval if not provided
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &UDPListener{
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		logInterval:   logInterval,
		stats:         stats,
		forwarder:     config.Forwarder,
		handler:       config.Handler,
		disableDecode: config.DisableDecode,
		clock:         timeutil.RealClock{},
		reasm:         sbus.NewReassembler(),
	}
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (n *noopStats) AddPacket(bytes int)        {}
func (n *noopStats) AddDropped()                {}
func (n *noopStats) AddFrames(count int)        {}
func (n *noopStats) LogStats(decodeFrames bool) {}

// Start begins listening for UDP packets and processing them
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	monitoring.Logf("UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)

	// Start forwarder if configured
	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	// Start statistics logging
	go l.startStatsLogging(ctx)

	// SBUS frames are 25 bytes; taps usually batch a handful per datagram
	buffer := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // Continue on timeout to check context
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("UDP read error: %v", err)
				continue
			}

			if err := l.handlePayload(buffer[:n]); err != nil {
				monitoring.Logf("Error handling packet from %v: %v", addr, err)
			}
		}
	}
}

// LocalAddr reports the bound address once Start has opened the socket, or
// nil before that. Useful when the configured address uses port 0.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// startStatsLogging starts a goroutine that periodically logs packet statistics
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	// Trigger an initial stats report shortly after startup to avoid a long
	// silence on first-run. Then continue on the configured interval.
	select {
	case <-ctx.Done():
		return
	case <-l.clock.After(2 * time.Second):
		l.stats.LogStats(!l.disableDecode)
	}

	ticker := l.clock.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.stats.LogStats(!l.disableDecode)
		}
	}
}

// handlePayload processes the payload of a single received UDP packet
func (l *UDPListener) handlePayload(payload []byte) error {
	// Track packet statistics
	l.stats.AddPacket(len(payload))

	// Forward payload asynchronously if forwarding is enabled
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(payload)
	}

	// Run the bytes through the reassembler unless decoding is disabled
	if !l.disableDecode {
		frames := 0
		for p, err := range l.reasm.FeedBytes(payload) {
			if err != nil {
				continue // resync noise, counted in reassembler stats
			}
			frames++
			if l.handler != nil {
				l.handler.HandleFrame(*p)
			}
		}
		if frames > 0 {
			l.stats.AddFrames(frames)
		}
	}

	return nil
}

// LinkStats reports the reassembler counters for the stream received so far.
func (l *UDPListener) LinkStats() sbus.LinkStats {
	return l.reasm.Stats()
}

// Close closes the UDP listener and releases resources
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

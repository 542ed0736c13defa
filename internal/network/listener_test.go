package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/timeutil"
)

// MockFullPacketStats implements PacketStatsInterface for testing
type MockFullPacketStats struct {
	packetCount int
	byteCount   int
	droppedCnt  int
	frameCount  int
	logCalls    int
}

func (m *MockFullPacketStats) AddPacket(bytes int) {
	m.packetCount++
	m.byteCount += bytes
}

func (m *MockFullPacketStats) AddDropped() {
	m.droppedCnt++
}

func (m *MockFullPacketStats) AddFrames(count int) {
	m.frameCount += count
}

func (m *MockFullPacketStats) LogStats(decodeFrames bool) {
	m.logCalls++
}

// frameRecorder implements FrameHandler and records every frame it is
// handed. Safe for concurrent use so listener goroutines can deliver
// while the test polls.
type frameRecorder struct {
	mu     sync.Mutex
	frames []sbus.Packet
}

func (r *frameRecorder) HandleFrame(p sbus.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, p)
}

func (r *frameRecorder) Frames() []sbus.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sbus.Packet, len(r.frames))
	copy(out, r.frames)
	return out
}

// encodedFrame returns the wire bytes of a frame with every channel set
// to value.
func encodedFrame(value uint16) []byte {
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = value
	}
	frame := sbus.EncodeFrame(p)
	return frame[:]
}

func TestNewUDPListener_Defaults(t *testing.T) {
	config := UDPListenerConfig{
		Address: ":30100",
		RcvBuf:  64 * 1024,
	}

	listener := NewUDPListener(config)

	if listener == nil {
		t.Fatal("NewUDPListener returned nil")
	}
	if listener.address != ":30100" {
		t.Errorf("Expected address ':30100', got '%s'", listener.address)
	}
	if listener.rcvBuf != 64*1024 {
		t.Errorf("Expected rcvBuf %d, got %d", 64*1024, listener.rcvBuf)
	}
	// Check default log interval is set
	if listener.logInterval != time.Minute {
		t.Errorf("Expected default log interval 1 minute, got %v", listener.logInterval)
	}
	// stats should be noopStats by default
	if listener.stats == nil {
		t.Error("Expected default noop stats, got nil")
	}
	if listener.reasm == nil {
		t.Error("Expected reassembler to be created")
	}
}

func TestNewUDPListener_WithStats(t *testing.T) {
	stats := &MockFullPacketStats{}
	config := UDPListenerConfig{
		Address:     ":30100",
		RcvBuf:      64 * 1024,
		Stats:       stats,
		LogInterval: 30 * time.Second,
	}

	listener := NewUDPListener(config)

	if listener.stats != stats {
		t.Error("Expected custom stats to be used")
	}
	if listener.logInterval != 30*time.Second {
		t.Errorf("Expected log interval 30s, got %v", listener.logInterval)
	}
}

func TestNewUDPListener_WithHandler(t *testing.T) {
	recorder := &frameRecorder{}
	config := UDPListenerConfig{
		Address: ":30100",
		Handler: recorder,
	}

	listener := NewUDPListener(config)

	if listener.handler != recorder {
		t.Error("Expected custom handler to be set")
	}
}

func TestNewUDPListener_WithForwarder(t *testing.T) {
	stats := &MockPacketStats{}
	forwarder, err := NewPacketForwarder("localhost", 30345, stats, 1*time.Second)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}
	defer forwarder.conn.Close()

	config := UDPListenerConfig{
		Address:   ":30100",
		Forwarder: forwarder,
	}

	listener := NewUDPListener(config)

	if listener.forwarder != forwarder {
		t.Error("Expected forwarder to be set")
	}
}

func TestNewUDPListener_DisableDecode(t *testing.T) {
	config := UDPListenerConfig{
		Address:       ":30100",
		DisableDecode: true,
	}

	listener := NewUDPListener(config)

	if !listener.disableDecode {
		t.Error("Expected disableDecode to be true")
	}
}

func TestUDPListener_Close_Nil(t *testing.T) {
	listener := &UDPListener{}

	// Close with nil connection should not error
	err := listener.Close()
	if err != nil {
		t.Errorf("Close with nil conn returned error: %v", err)
	}
}

func TestNoopStats(t *testing.T) {
	stats := &noopStats{}

	// These should all be no-ops and not panic
	stats.AddPacket(100)
	stats.AddDropped()
	stats.AddFrames(5)
	stats.LogStats(true)
	stats.LogStats(false)
}

func TestHandlePayload_DecodesFrames(t *testing.T) {
	stats := &MockFullPacketStats{}
	recorder := &frameRecorder{}
	listener := NewUDPListener(UDPListenerConfig{
		Address: ":30100",
		Stats:   stats,
		Handler: recorder,
	})

	// Two complete frames batched into one datagram
	payload := append(encodedFrame(1024), encodedFrame(172)...)
	if err := listener.handlePayload(payload); err != nil {
		t.Fatalf("handlePayload returned error: %v", err)
	}

	if stats.packetCount != 1 {
		t.Errorf("Expected 1 packet counted, got %d", stats.packetCount)
	}
	if stats.byteCount != 2*sbus.FrameLength {
		t.Errorf("Expected %d bytes counted, got %d", 2*sbus.FrameLength, stats.byteCount)
	}
	if stats.frameCount != 2 {
		t.Errorf("Expected 2 frames counted, got %d", stats.frameCount)
	}

	frames := recorder.Frames()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames delivered, got %d", len(frames))
	}
	if frames[0].Channels[0] != 1024 {
		t.Errorf("Expected first frame channel 1024, got %d", frames[0].Channels[0])
	}
	if frames[1].Channels[15] != 172 {
		t.Errorf("Expected second frame channel 172, got %d", frames[1].Channels[15])
	}
}

func TestHandlePayload_FrameSplitAcrossPackets(t *testing.T) {
	stats := &MockFullPacketStats{}
	recorder := &frameRecorder{}
	listener := NewUDPListener(UDPListenerConfig{
		Address: ":30100",
		Stats:   stats,
		Handler: recorder,
	})

	// Datagram boundaries carry no meaning: a frame may arrive in pieces
	frame := encodedFrame(1500)
	if err := listener.handlePayload(frame[:10]); err != nil {
		t.Fatalf("handlePayload returned error: %v", err)
	}
	if len(recorder.Frames()) != 0 {
		t.Fatal("Expected no frames after partial payload")
	}

	if err := listener.handlePayload(frame[10:]); err != nil {
		t.Fatalf("handlePayload returned error: %v", err)
	}

	frames := recorder.Frames()
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame after completing payload, got %d", len(frames))
	}
	if frames[0].Channels[7] != 1500 {
		t.Errorf("Expected channel value 1500, got %d", frames[0].Channels[7])
	}
	if stats.packetCount != 2 {
		t.Errorf("Expected 2 packets counted, got %d", stats.packetCount)
	}
	if stats.frameCount != 1 {
		t.Errorf("Expected 1 frame counted, got %d", stats.frameCount)
	}
}

func TestHandlePayload_GarbageBeforeFrame(t *testing.T) {
	recorder := &frameRecorder{}
	listener := NewUDPListener(UDPListenerConfig{
		Address: ":30100",
		Handler: recorder,
	})

	payload := append([]byte{0xAA, 0xBB, 0xCC}, encodedFrame(992)...)
	if err := listener.handlePayload(payload); err != nil {
		t.Fatalf("handlePayload returned error: %v", err)
	}

	frames := recorder.Frames()
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame despite leading garbage, got %d", len(frames))
	}
	if frames[0].Channels[0] != 992 {
		t.Errorf("Expected channel value 992, got %d", frames[0].Channels[0])
	}

	linkStats := listener.LinkStats()
	if linkStats.FramesDecoded != 1 {
		t.Errorf("Expected 1 frame decoded in link stats, got %d", linkStats.FramesDecoded)
	}
	if linkStats.BytesDiscarded != 3 {
		t.Errorf("Expected 3 bytes discarded, got %d", linkStats.BytesDiscarded)
	}
}

func TestHandlePayload_DisableDecode(t *testing.T) {
	stats := &MockFullPacketStats{}
	recorder := &frameRecorder{}
	listener := NewUDPListener(UDPListenerConfig{
		Address:       ":30100",
		Stats:         stats,
		Handler:       recorder,
		DisableDecode: true,
	})

	if err := listener.handlePayload(encodedFrame(1024)); err != nil {
		t.Fatalf("handlePayload returned error: %v", err)
	}

	if stats.packetCount != 1 {
		t.Errorf("Expected packet still counted, got %d", stats.packetCount)
	}
	if stats.frameCount != 0 {
		t.Errorf("Expected no frames counted with decoding disabled, got %d", stats.frameCount)
	}
	if len(recorder.Frames()) != 0 {
		t.Error("Expected handler not to be called with decoding disabled")
	}
}

func TestHandlePayload_ForwardsPayload(t *testing.T) {
	// Start a test UDP server to receive forwarded packets
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}
	defer server.Close()
	serverPort := server.LocalAddr().(*net.UDPAddr).Port

	stats := &MockPacketStats{}
	forwarder, err := NewPacketForwarder("127.0.0.1", serverPort, stats, 1*time.Second)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}
	defer forwarder.conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	forwarder.Start(ctx)

	listener := NewUDPListener(UDPListenerConfig{
		Address:   ":30100",
		Forwarder: forwarder,
	})

	payload := encodedFrame(1811)
	if err := listener.handlePayload(payload); err != nil {
		t.Fatalf("handlePayload returned error: %v", err)
	}

	if err := server.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	buffer := make([]byte, 1024)
	n, _, err := server.ReadFromUDP(buffer)
	if err != nil {
		t.Fatalf("Failed to read forwarded packet: %v", err)
	}
	if n != len(payload) {
		t.Errorf("Expected %d forwarded bytes, got %d", len(payload), n)
	}
}

func TestFrameHandlerFunc(t *testing.T) {
	var got sbus.Packet
	handler := FrameHandlerFunc(func(p sbus.Packet) { got = p })

	var want sbus.Packet
	want.Channels[3] = 1234
	handler.HandleFrame(want)

	if got.Channels[3] != 1234 {
		t.Errorf("Expected adapted function to receive frame, got %v", got)
	}
}

func TestUDPListener_StartAndReceive(t *testing.T) {
	recorder := &frameRecorder{}
	listener := NewUDPListener(UDPListenerConfig{
		Address: "127.0.0.1:0",
		Handler: recorder,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Start(ctx)
	}()

	// Wait for the socket to bind
	var addr net.Addr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr = listener.LocalAddr(); addr != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("Listener did not bind within deadline")
	}

	sender, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial listener: %v", err)
	}
	defer sender.Close()

	// Re-send until the listener delivers a frame or we give up. UDP on
	// loopback is reliable but the first send can race the read loop.
	payload := encodedFrame(1024)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := sender.Write(payload); err != nil {
			t.Fatalf("Failed to send frame: %v", err)
		}
		if len(recorder.Frames()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	frames := recorder.Frames()
	if len(frames) == 0 {
		t.Fatal("Listener never delivered a frame")
	}
	if frames[0].Channels[0] != 1024 {
		t.Errorf("Expected channel value 1024, got %d", frames[0].Channels[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Listener did not stop after context cancellation")
	}
}

// countingStats counts LogStats calls under a lock so the logging
// goroutine and the test can touch it concurrently.
type countingStats struct {
	mu       sync.Mutex
	logCalls int
}

func (c *countingStats) AddPacket(bytes int) {}
func (c *countingStats) AddDropped()         {}
func (c *countingStats) AddFrames(count int) {}

func (c *countingStats) LogStats(decodeFrames bool) {
	c.mu.Lock()
	c.logCalls++
	c.mu.Unlock()
}

func (c *countingStats) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logCalls
}

func TestUDPListener_StatsLoggingUsesClock(t *testing.T) {
	stats := &countingStats{}
	listener := NewUDPListener(UDPListenerConfig{
		Address:     "localhost:0",
		Stats:       stats,
		LogInterval: time.Minute,
	})
	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	listener.clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.startStatsLogging(ctx)

	// Advance repeatedly rather than once: the goroutine may not have
	// registered its warmup timer with the mock clock yet.
	waitForCalls := func(want int, step time.Duration) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for stats.calls() < want {
			if time.Now().After(deadline) {
				t.Fatalf("stats logged %d times, want at least %d", stats.calls(), want)
			}
			clock.Advance(step)
			time.Sleep(time.Millisecond)
		}
	}

	// Warmup report after two seconds, then interval reports.
	waitForCalls(1, 2*time.Second)
	waitForCalls(2, time.Minute)
}

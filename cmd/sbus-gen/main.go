// Command sbus-gen emits synthetic SBUS frames for exercising consumers
// without a receiver on the bench.
//
// Frames can be written to a serial port, sent to a UDP address, appended
// to a raw capture file, or any combination. Patterns animate the selected
// channels while the rest hold the nominal midpoint.
//
// Usage:
//
//	go run ./cmd/sbus-gen [flags]
//
// Flags:
//
//	-port      Serial port to write frames to
//	-udp       UDP address to send frames to (host:port)
//	-out       Raw capture file to write frame bytes to
//	-mode      Pattern: centre, sweep, or step (default: centre)
//	-period    Frame period (default: 14ms, use 7ms for high-speed)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/serialmux"
	"github.com/banshee-data/sbuslink/internal/units"
)

// parseChannelList parses a comma-separated list of channel numbers (1-16)
func parseChannelList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		ch, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", p, err)
		}
		if ch < 1 || ch > sbus.NumChannels {
			return nil, fmt.Errorf("channel %d out of range 1-%d", ch, sbus.NumChannels)
		}
		out = append(out, ch)
	}
	return out, nil
}

// patternValue returns the raw value for the animated channels at elapsed
// time t. Sweep runs a triangle wave from min to max and back over one
// sweep period; step alternates between the bounds every hold interval.
func patternValue(mode string, t time.Duration, min, max uint16, sweepPeriod, hold time.Duration) uint16 {
	switch mode {
	case "sweep":
		cycle := t % sweepPeriod
		half := sweepPeriod / 2
		span := float64(max - min)
		if cycle < half {
			return min + uint16(span*float64(cycle)/float64(half))
		}
		return max - uint16(span*float64(cycle-half)/float64(half))
	case "step":
		if (t/hold)%2 == 0 {
			return min
		}
		return max
	default:
		return units.NominalMid
	}
}

func main() {
	// Output destinations
	portPath := flag.String("port", "", "Serial port to write frames to")
	udpTarget := flag.String("udp", "", "UDP address to send frames to (host:port)")
	outFile := flag.String("out", "", "Raw capture file to write frame bytes to")

	// Pattern selection
	mode := flag.String("mode", "centre", "Pattern: 'centre' (hold midpoint), 'sweep' (triangle wave), 'step' (alternate between bounds)")
	channelFlag := flag.String("channels", "1", "Comma-separated channels to animate (1-16)")
	minRaw := flag.Int("min", 172, "Lower bound raw channel value")
	maxRaw := flag.Int("max", 1811, "Upper bound raw channel value")
	sweepPeriod := flag.Duration("sweep-period", 5*time.Second, "Full sweep cycle duration")
	hold := flag.Duration("hold", time.Second, "Hold time at each bound in step mode")

	// Pacing
	period := flag.Duration("period", 14*time.Millisecond, "Frame period (7ms for high-speed receivers)")
	count := flag.Int("count", 0, "Number of frames to send (0 = until interrupted)")

	// Flag injection, for testing failsafe handling downstream
	frameLostEvery := flag.Int("inject-framelost", 0, "Set frame_lost on every Nth frame (0 = never)")
	failsafeAfter := flag.Duration("inject-failsafe", 0, "Latch failsafe after this long (0 = never)")

	flag.Parse()

	switch *mode {
	case "centre", "sweep", "step":
	default:
		log.Fatalf("Invalid mode: %s (must be centre, sweep, or step)", *mode)
	}

	channels, err := parseChannelList(*channelFlag)
	if err != nil {
		log.Fatalf("Invalid -channels: %v", err)
	}

	if *minRaw < 0 || *maxRaw > int(sbus.ChannelMax) || *minRaw >= *maxRaw {
		log.Fatalf("Invalid bounds: min %d, max %d (raw range is 0-%d)", *minRaw, *maxRaw, sbus.ChannelMax)
	}

	var mux serialmux.SerialMuxInterface
	if *portPath != "" {
		m, err := serialmux.NewRealSerialMux(*portPath, serialmux.PortOptions{})
		if err != nil {
			log.Fatalf("Failed to open serial port %s: %v", *portPath, err)
		}
		mux = m
		defer mux.Close()
	}

	var conn net.Conn
	if *udpTarget != "" {
		c, err := net.Dial("udp", *udpTarget)
		if err != nil {
			log.Fatalf("Failed to dial %s: %v", *udpTarget, err)
		}
		conn = c
		defer conn.Close()
	}

	var out *os.File
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Could not create output file %s: %v", *outFile, err)
		}
		out = f
		defer out.Close()
	}

	if mux == nil && conn == nil && out == nil {
		log.Fatal("Error: at least one of -port, -udp, or -out is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Emitting %s frames every %v on channels %v", *mode, *period, channels)

	lo := uint16(*minRaw)
	hi := uint16(*maxRaw)

	ticker := time.NewTicker(*period)
	defer ticker.Stop()

	start := time.Now()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("Sent %d frames in %v", sent, time.Since(start).Round(time.Millisecond))
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			value := patternValue(*mode, elapsed, lo, hi, *sweepPeriod, *hold)

			var p sbus.Packet
			for i := range p.Channels {
				p.Channels[i] = units.NominalMid
			}
			for _, ch := range channels {
				p.Channels[ch-1] = value
			}

			sent++
			if *frameLostEvery > 0 && sent%(*frameLostEvery) == 0 {
				p.Flags.FrameLost = true
			}
			if *failsafeAfter > 0 && elapsed >= *failsafeAfter {
				// A receiver in failsafe reports the lost frame too.
				p.Flags.Failsafe = true
				p.Flags.FrameLost = true
			}

			frame := sbus.EncodeFrame(p)
			if mux != nil {
				if err := mux.SendFrame(p); err != nil {
					log.Printf("serial write failed: %v", err)
				}
			}
			if conn != nil {
				if _, err := conn.Write(frame[:]); err != nil {
					log.Printf("UDP send failed: %v", err)
				}
			}
			if out != nil {
				if _, err := out.Write(frame[:]); err != nil {
					log.Fatalf("capture write failed: %v", err)
				}
			}

			if *count > 0 && sent >= *count {
				log.Printf("Sent %d frames in %v", sent, time.Since(start).Round(time.Millisecond))
				return
			}
		}
	}
}

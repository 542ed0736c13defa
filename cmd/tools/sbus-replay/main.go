// Command sbus-replay analyses a recorded SBUS byte stream offline.
//
// It reassembles frames from a raw capture (sbus-gen -out, or a serial
// dump), prints a link summary, and can render channel trace plots or
// re-emit the frames over UDP for a live consumer. PCAP captures of a
// UDP tap are supported when built with -tags=pcap.
//
// Raw captures carry no timing, so frame arrival times are synthesised
// at the nominal frame period.
//
// Usage:
//
//	go run ./cmd/tools/sbus-replay -in capture.bin [flags]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/sbuslink/internal/config"
	"github.com/banshee-data/sbuslink/internal/network"
	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/trace"
)

// channelLabels resolves the channel names used in summaries and plot
// legends, from a tuning config when one is given.
func channelLabels(tuningPath string) []string {
	tuning := config.DefaultTuningConfig()
	if tuningPath != "" {
		loaded, err := config.LoadTuningConfig(tuningPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config %s: %v", tuningPath, err)
		}
		tuning = loaded
	}

	labels := make([]string, sbus.NumChannels)
	for i := range labels {
		labels[i] = tuning.GetChannelLabel(i)
	}
	return labels
}

// readRawCapture reassembles frames from a raw byte capture file.
func readRawCapture(path string) ([]sbus.Packet, sbus.LinkStats, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sbus.LinkStats{}, 0, err
	}
	defer f.Close()

	reasm := sbus.NewReassembler()
	var packets []sbus.Packet
	decodeErrs := 0
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			for p, ferr := range reasm.FeedBytes(buf[:n]) {
				if ferr != nil {
					decodeErrs++
					continue
				}
				packets = append(packets, *p)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, sbus.LinkStats{}, 0, err
		}
	}
	return packets, reasm.Stats(), decodeErrs, nil
}

// readPCAPCapture extracts frames from UDP payloads in a PCAP capture.
// Requires a binary built with -tags=pcap.
func readPCAPCapture(path string, port int) ([]sbus.Packet, error) {
	var packets []sbus.Packet
	handler := network.FrameHandlerFunc(func(p sbus.Packet) {
		packets = append(packets, p)
	})

	stats := network.NewLinkPacketStats()
	if err := network.ReadPCAPFile(context.Background(), path, port, handler, stats, nil); err != nil {
		return nil, err
	}
	return packets, nil
}

// buildSamples assigns synthetic arrival times to reassembled frames,
// spaced at the nominal frame period.
func buildSamples(packets []sbus.Packet, base time.Time, period time.Duration) []trace.FrameSample {
	samples := make([]trace.FrameSample, len(packets))
	for i, p := range packets {
		samples[i] = trace.FrameSample{
			FrameIdx:  i + 1,
			Timestamp: base.Add(time.Duration(i) * period),
			Channels:  p.Channels,
			FrameLost: p.Flags.FrameLost,
			Failsafe:  p.Flags.Failsafe,
		}
	}
	return samples
}

func main() {
	inFile := flag.String("in", "", "Capture file to analyse (required)")
	pcapMode := flag.Bool("pcap", false, "Treat the input as a PCAP capture of a UDP tap")
	pcapPort := flag.Int("pcap-port", 30000, "UDP port to filter on in PCAP mode")
	period := flag.Duration("period", 14*time.Millisecond, "Nominal frame period for synthesised timing and re-emit pacing")
	tuningFile := flag.String("tuning", "", "Tuning config JSON file for channel labels")
	jsonOut := flag.Bool("json", false, "Print the summary as JSON")
	plots := flag.Bool("plots", false, "Render channel trace plots")
	plotDir := flag.String("plot-dir", "plots", "Base directory for rendered plots")
	udpTarget := flag.String("udp", "", "Re-emit frames to this UDP address (host:port)")
	flag.Parse()

	if *inFile == "" {
		log.Fatal("Error: -in flag is required")
	}

	labels := channelLabels(*tuningFile)

	var (
		packets    []sbus.Packet
		linkStats  sbus.LinkStats
		decodeErrs int
		err        error
	)
	if *pcapMode {
		packets, err = readPCAPCapture(*inFile, *pcapPort)
		if err != nil {
			log.Fatalf("Failed to read PCAP capture: %v", err)
		}
	} else {
		packets, linkStats, decodeErrs, err = readRawCapture(*inFile)
		if err != nil {
			log.Fatalf("Failed to read capture: %v", err)
		}
	}

	if len(packets) == 0 {
		log.Fatalf("No frames found in %s", *inFile)
	}

	samples := buildSamples(packets, time.Now(), *period)
	summary := trace.Summarize(samples, labels)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			log.Fatalf("Failed to encode summary: %v", err)
		}
	} else {
		fmt.Println(summary.String())
		if !*pcapMode {
			fmt.Printf("Reassembler: %d frames decoded, %d sync losses, %d bytes discarded, %d decode errors\n",
				linkStats.FramesDecoded, linkStats.SyncLosses, linkStats.BytesDiscarded, decodeErrs)
		}
		fmt.Printf("Frame timing synthesised at %v per frame\n", *period)
	}

	if *plots {
		plotter := trace.NewChannelPlotter(labels)
		outDir := trace.MakePlotOutputDir(*plotDir, *inFile)
		if err := plotter.Start(outDir); err != nil {
			log.Fatalf("Failed to create plot directory: %v", err)
		}
		for _, s := range samples {
			plotter.SampleAt(sbus.Packet{
				Channels: s.Channels,
				Flags:    sbus.Flags{FrameLost: s.FrameLost, Failsafe: s.Failsafe},
			}, s.Timestamp)
		}
		n, err := plotter.GeneratePlots()
		if err != nil {
			log.Fatalf("Failed to generate plots: %v", err)
		}
		log.Printf("Wrote %d plots to %s", n, outDir)
	}

	if *udpTarget != "" {
		conn, err := net.Dial("udp", *udpTarget)
		if err != nil {
			log.Fatalf("Failed to dial %s: %v", *udpTarget, err)
		}
		defer conn.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("Re-emitting %d frames to %s every %v", len(packets), *udpTarget, *period)

		ticker := time.NewTicker(*period)
		defer ticker.Stop()

		sent := 0
		for _, p := range packets {
			select {
			case <-ctx.Done():
				log.Printf("Interrupted after %d frames", sent)
				return
			case <-ticker.C:
				frame := sbus.EncodeFrame(p)
				if _, err := conn.Write(frame[:]); err != nil {
					log.Fatalf("UDP send failed: %v", err)
				}
				sent++
			}
		}
		log.Printf("Re-emitted %d frames", sent)
	}
}

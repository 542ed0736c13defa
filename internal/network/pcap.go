//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/sbuslink/internal/monitoring"
	"github.com/banshee-data/sbuslink/internal/sbus"
)

// ReadPCAPFile reads a capture of a UDP serial tap and runs the SBUS byte
// stream through a reassembler, delivering decoded frames to handler.
// If forwarder is not nil, payloads are re-emitted to the configured
// destination. This function is only available when building with the
// 'pcap' build tag.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, handler FrameHandler, stats PacketStatsInterface, forwarder *PacketForwarder) error {
	// Open PCAP file
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	// Set BPF filter to only capture UDP packets on the specified port
	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	monitoring.Logf("PCAP BPF filter set: %s", filterStr)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	totalFrames := 0
	startTime := time.Now()

	// One reassembler for the whole capture: frames straddle datagrams
	reasm := sbus.NewReassembler()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("PCAP reader stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				// End of PCAP file
				elapsed := time.Since(startTime)
				monitoring.Logf("PCAP file reading complete: %d packets, %d frames in %v", packetCount, totalFrames, elapsed)
				linkStats := reasm.Stats()
				if linkStats.SyncLosses > 0 {
					monitoring.Logf("PCAP link quality: %d sync losses, %d bytes discarded", linkStats.SyncLosses, linkStats.BytesDiscarded)
				}
				return nil
			}

			packetCount++

			// Extract UDP layer
			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue // Skip non-UDP packets (shouldn't happen with BPF filter)
			}

			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}

			// Extract payload (raw SBUS bytes)
			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			// Record packet statistics
			if stats != nil {
				stats.AddPacket(len(payload))
			}

			// Forward packet if forwarder is configured
			if forwarder != nil {
				forwarder.ForwardAsync(payload)
			}

			frames := 0
			for p, err := range reasm.FeedBytes(payload) {
				if err != nil {
					continue
				}
				frames++
				if handler != nil {
					handler.HandleFrame(*p)
				}
			}
			if frames > 0 {
				totalFrames += frames
				if stats != nil {
					stats.AddFrames(frames)
				}
			}

			// Log progress periodically
			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				monitoring.Logf("PCAP progress: %d packets processed in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}

package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sbuslink/internal/monitoring"
)

// LinkPacketStats tracks UDP packet and frame statistics with thread-safe operations
type LinkPacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	frameCount   int64
	lastReset    time.Time
}

// NewLinkPacketStats creates a new LinkPacketStats instance
func NewLinkPacketStats() *LinkPacketStats {
	return &LinkPacketStats{
		lastReset: time.Now(),
	}
}

// AddPacket increments packet count and byte count
func (ps *LinkPacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped increments dropped packet count
func (ps *LinkPacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// AddFrames increments decoded frame count
func (ps *LinkPacketStats) AddFrames(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frameCount += int64(count)
}

// GetAndReset returns current stats and resets counters
func (ps *LinkPacketStats) GetAndReset() (packets int64, bytes int64, dropped int64, frames int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets = ps.packetCount
	bytes = ps.byteCount
	dropped = ps.droppedCount
	frames = ps.frameCount

	ps.packetCount = 0
	ps.byteCount = 0
	ps.droppedCount = 0
	ps.frameCount = 0
	ps.lastReset = now

	return
}

// LogStats logs formatted statistics for the interval since the last call.
// A healthy analog-rate link runs around 71 frames/sec, a high-speed link
// around twice that, so the per-second rates read directly against those.
func (ps *LinkPacketStats) LogStats(decodeFrames bool) {
	packets, bytes, dropped, frames, duration := ps.GetAndReset()
	if packets > 0 || dropped > 0 {
		packetsPerSec := float64(packets) / duration.Seconds()
		bytesPerSec := float64(bytes) / duration.Seconds()
		framesPerSec := float64(frames) / duration.Seconds()

		var logMsg string
		if decodeFrames && frames > 0 {
			logMsg = fmt.Sprintf("Link stats (/sec): %.0f B, %.1f packets, %.1f frames",
				bytesPerSec, packetsPerSec, framesPerSec)
		} else {
			logMsg = fmt.Sprintf("Link stats (/sec): %.0f B, %.1f packets",
				bytesPerSec, packetsPerSec)
		}

		if dropped > 0 {
			logMsg += fmt.Sprintf(", %d dropped on forward", dropped)
		}

		monitoring.Logf("%s", logMsg)
	}
}

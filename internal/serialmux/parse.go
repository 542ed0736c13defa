package serialmux

import "github.com/banshee-data/sbuslink/internal/sbus"

const (
	EventTypeNormal    = "normal"
	EventTypeFrameLost = "frame_lost"
	EventTypeFailsafe  = "failsafe"
)

// ClassifyPacket inspects a decoded packet and returns a simple event type
// token. Failsafe takes precedence over frame-lost when the receiver sets
// both bits.
func ClassifyPacket(p sbus.Packet) string {
	if p.Flags.Failsafe {
		return EventTypeFailsafe
	}
	if p.Flags.FrameLost {
		return EventTypeFrameLost
	}
	return EventTypeNormal
}

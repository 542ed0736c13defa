package serialmux

import (
	"fmt"
	"log"

	"github.com/banshee-data/sbuslink/internal/db"
	"github.com/banshee-data/sbuslink/internal/sbus"
)

// CurrentLinkState holds the latest link classification seen by HandleFrame
// and is intentionally package-level so admin routes or tests can inspect it.
// It is only written from the monitor loop.
var CurrentLinkState = EventTypeNormal

// HandleFrame records a decoded frame against the given session and logs
// link state transitions. Receivers repeat the failsafe and frame-lost bits
// on every frame while the condition holds, so only the edges are logged.
func HandleFrame(d *db.DB, sessionID string, p sbus.Packet) error {
	event := ClassifyPacket(p)
	if event != CurrentLinkState {
		log.Printf("Link state changed from %s to %s", CurrentLinkState, event)
		CurrentLinkState = event
	}

	if err := d.RecordFrame(sessionID, p); err != nil {
		return fmt.Errorf("failed to record frame: %w", err)
	}
	return nil
}

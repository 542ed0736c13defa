package main

import (
	"testing"

	"github.com/banshee-data/sbuslink/internal/db"
	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/units"
	"github.com/google/go-cmp/cmp"
)

// fixture is the wire form of a frame with every channel at 1024 and no
// flags set, as a receiver would put it on the line.
var fixture = []byte{
	0x0F,
	0x00, 0x04, 0x20, 0x00, 0x01, 0x08, 0x40, 0x00, 0x02, 0x10, 0x80,
	0x00, 0x04, 0x20, 0x00, 0x01, 0x08, 0x40, 0x00, 0x02, 0x10, 0x80,
	0x00,
	0x00,
}

func TestSbusdEndToEnd(t *testing.T) {
	testingDir := t.TempDir()

	// Print out the testing directory for debugging purposes
	t.Logf("Testing directory: %s", testingDir)

	// Initialise the database
	d, err := db.NewDB(testingDir + "/test_sbuslink.db")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	defer func() {
		if err := d.Close(); err != nil {
			t.Errorf("Failed to close test database: %v", err)
		}
	}()

	session, err := d.BeginSession("mock", 100000, "end to end capture")
	if err != nil {
		t.Fatalf("Failed to begin session: %v", err)
	}

	// decode the fixture frame as the monitor loop would and record it
	packet, err := sbus.DecodeFrame(fixture)
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if err := d.RecordFrame(session.ID, packet); err != nil {
		t.Fatalf("Failed to record frame: %v", err)
	}

	count, err := d.FrameCount(session.ID)
	if err != nil {
		t.Fatalf("Failed to count frames: %v", err)
	}
	if count != 1 {
		t.Fatal("Expected only one frame in the database")
	}

	// Retrieve the frame and check it against the fixture
	frame, err := d.LatestFrame(session.ID)
	if err != nil {
		t.Fatalf("Failed to retrieve frame from database: %v", err)
	}
	if frame.SessionID != session.ID {
		t.Errorf("Expected frame session %s, got %s", session.ID, frame.SessionID)
	}

	expectedPacket := sbus.Packet{
		Channels: [sbus.NumChannels]uint16{
			1024, 1024, 1024, 1024, 1024, 1024, 1024, 1024,
			1024, 1024, 1024, 1024, 1024, 1024, 1024, 1024,
		},
	}

	if diff := cmp.Diff(expectedPacket, frame.Packet()); diff != "" {
		t.Errorf("Frame mismatch (-want +got):\n%s", diff)
	}

	// Closing the session should leave no active session behind
	if err := d.EndSession(session.ID); err != nil {
		t.Fatalf("Failed to end session: %v", err)
	}
	active, err := d.ActiveSession()
	if err != nil {
		t.Fatalf("Failed to query active session: %v", err)
	}
	if active != nil {
		t.Errorf("Expected no active session after EndSession, got %s", active.ID)
	}
}

func TestCentredPacket(t *testing.T) {
	p := centredPacket()
	for i, raw := range p.Channels {
		if raw != units.NominalMid {
			t.Errorf("channel %d = %d, want %d", i+1, raw, units.NominalMid)
		}
	}
	if p.Flags.D1 || p.Flags.D2 || p.Flags.FrameLost || p.Flags.Failsafe {
		t.Errorf("expected all flags clear, got %+v", p.Flags)
	}
}

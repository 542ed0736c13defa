package serialmux

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/banshee-data/sbuslink/internal/db"
	"github.com/banshee-data/sbuslink/internal/sbus"
)

func TestHandleFrame_RecordsFrame(t *testing.T) {
	tmp := t.TempDir()
	d, err := db.NewDB(tmp + "/test.db")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer d.Close()

	session, err := d.BeginSession("/dev/ttyTEST0", 100000, "handler test")
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}

	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = uint16(1000 + i)
	}

	if err := HandleFrame(d, session.ID, p); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	count, err := d.FrameCount(session.ID)
	if err != nil {
		t.Fatalf("failed to count frames: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded frame, got %d", count)
	}

	frame, err := d.LatestFrame(session.ID)
	if err != nil {
		t.Fatalf("failed to read latest frame: %v", err)
	}
	if frame == nil {
		t.Fatal("expected a latest frame")
	}
	if frame.Channels != p.Channels {
		t.Errorf("recorded channels %v, want %v", frame.Channels, p.Channels)
	}
}

func TestHandleFrame_LinkStateTransitions(t *testing.T) {
	tmp := t.TempDir()
	d, err := db.NewDB(tmp + "/test.db")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer d.Close()

	session, err := d.BeginSession("/dev/ttyTEST0", 100000, "link state test")
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}

	// reset state
	CurrentLinkState = EventTypeNormal

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	normal := sbus.Packet{}
	failsafe := sbus.Packet{Flags: sbus.Flags{Failsafe: true, FrameLost: true}}

	// normal -> failsafe -> failsafe -> normal: two edges, two log lines
	for _, p := range []sbus.Packet{normal, failsafe, failsafe, normal} {
		if err := HandleFrame(d, session.ID, p); err != nil {
			t.Fatalf("HandleFrame failed: %v", err)
		}
	}

	if CurrentLinkState != EventTypeNormal {
		t.Errorf("expected link state %q after recovery, got %q", EventTypeNormal, CurrentLinkState)
	}

	transitions := strings.Count(buf.String(), "Link state changed")
	if transitions != 2 {
		t.Errorf("expected 2 link state transitions logged, got %d:\n%s", transitions, buf.String())
	}

	if !strings.Contains(buf.String(), EventTypeFailsafe) {
		t.Errorf("expected failsafe transition in log, got:\n%s", buf.String())
	}

	// all four frames should still have been recorded
	count, err := d.FrameCount(session.ID)
	if err != nil {
		t.Fatalf("failed to count frames: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 recorded frames, got %d", count)
	}
}

func TestHandleFrame_RecordError(t *testing.T) {
	tmp := t.TempDir()
	d, err := db.NewDB(tmp + "/test.db")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}

	session, err := d.BeginSession("/dev/ttyTEST0", 100000, "error test")
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}

	// A closed database is the simplest way to force the insert to fail
	d.Close()

	CurrentLinkState = EventTypeNormal

	err = HandleFrame(d, session.ID, sbus.Packet{})
	if err == nil {
		t.Fatal("expected error when recording to a closed database")
	}
	if !strings.Contains(err.Error(), "failed to record frame") {
		t.Errorf("expected record failure in error, got: %v", err)
	}
}

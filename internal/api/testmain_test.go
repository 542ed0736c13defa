package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/banshee-data/sbuslink/internal/db"
	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/serialmux"
)

var (
	apiTestTemplatePath string
)

func TestMain(m *testing.M) {
	code := runAPITestMain(m)
	os.Exit(code)
}

// runAPITestMain builds one fully migrated template database up front so each
// test can clone a file instead of re-running schema creation.
func runAPITestMain(m *testing.M) int {
	tmpDir, err := os.MkdirTemp("", "sbuslink-api-template-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create API test template directory: %v\n", err)
		return 1
	}

	apiTestTemplatePath = filepath.Join(tmpDir, "template.db")

	templateDB, err := db.NewDB(apiTestTemplatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize API test template DB: %v\n", err)
		_ = os.RemoveAll(tmpDir)
		return 1
	}

	if _, err := templateDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to checkpoint API test template DB: %v\n", err)
		_ = templateDB.Close()
		_ = os.RemoveAll(tmpDir)
		return 1
	}

	if err := templateDB.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close API test template DB: %v\n", err)
		_ = os.RemoveAll(tmpDir)
		return 1
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	return code
}

func cloneAPITestDB(t *testing.T) string {
	t.Helper()

	if apiTestTemplatePath == "" {
		t.Fatal("API test template DB not initialized")
	}

	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := copyFile(apiTestTemplatePath, dbPath); err != nil {
		t.Fatalf("failed to clone API test DB template: %v", err)
	}

	return dbPath
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return nil
}

// Helper functions

func setupTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	return setupTestServerWithMux(t, serialmux.NewDisabledSerialMux(), "raw")
}

func setupTestServerWithMux(t *testing.T, mux serialmux.SerialMuxInterface, units string) (*Server, *db.DB) {
	t.Helper()

	dbInst, err := db.OpenDB(cloneAPITestDB(t))
	if err != nil {
		t.Fatalf("failed to open cloned test DB: %v", err)
	}
	t.Cleanup(func() { _ = dbInst.Close() })

	server := NewServer(mux, dbInst, units)
	return server, dbInst
}

// uniformPacket builds a packet with every channel at the same raw value.
func uniformPacket(value uint16) sbus.Packet {
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = value
	}
	return p
}

// beginTestSession opens a session and records one frame per given raw value.
func beginTestSession(t *testing.T, dbInst *db.DB, values ...uint16) *db.Session {
	t.Helper()

	session, err := dbInst.BeginSession("/dev/ttyAMA0", 100000, "api test session")
	if err != nil {
		t.Fatalf("Failed to begin session: %v", err)
	}
	for _, v := range values {
		if err := dbInst.RecordFrame(session.ID, uniformPacket(v)); err != nil {
			t.Fatalf("Failed to record frame: %v", err)
		}
	}
	return session
}

// recordingMux is a SerialMuxInterface implementation for tests: it records
// sent frames, serves configurable link stats, and lets the test inject frames
// to subscribers with Emit.
type recordingMux struct {
	mu      sync.Mutex
	subs    map[string]chan sbus.Packet
	sent    []sbus.Packet
	stats   sbus.LinkStats
	sendErr error
	nextID  int
}

func newRecordingMux() *recordingMux {
	return &recordingMux{subs: make(map[string]chan sbus.Packet)}
}

func (m *recordingMux) Subscribe() (string, chan sbus.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("test-sub-%d", m.nextID)
	ch := make(chan sbus.Packet, 10)
	m.subs[id] = ch
	return id, ch
}

func (m *recordingMux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

func (m *recordingMux) SendFrame(p sbus.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, p)
	return nil
}

func (m *recordingMux) SentFrames() []sbus.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sbus.Packet, len(m.sent))
	copy(out, m.sent)
	return out
}

// Emit delivers a packet to every subscriber without blocking.
func (m *recordingMux) Emit(p sbus.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (m *recordingMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (m *recordingMux) LinkStats() sbus.LinkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *recordingMux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	return nil
}

func (m *recordingMux) Initialise() error { return nil }

func (m *recordingMux) AttachAdminRoutes(mux *http.ServeMux) {
	serialmux.AttachAdminRoutesForMux(mux, m)
}

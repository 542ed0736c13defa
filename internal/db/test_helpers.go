package db

import (
	"database/sql"
	"os"
	"testing"

	"github.com/banshee-data/sbuslink/internal/sbus"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	return db
}

// setupEmptyTestDB opens a database with no schema at all, for tests that
// let migrations create the tables.
func setupEmptyTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + "_migrations.db"
	_ = os.Remove(fname)

	sqlDB, err := sql.Open("sqlite", fname)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	return &DB{sqlDB}
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	db.Close()
	for _, fname := range []string{t.Name() + ".db", t.Name() + "_migrations.db"} {
		_ = os.Remove(fname)
		_ = os.Remove(fname + "-shm")
		_ = os.Remove(fname + "-wal")
	}
}

// uniformTestPacket returns a packet with every channel at value and no
// flags set.
func uniformTestPacket(value uint16) sbus.Packet {
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = value
	}
	return p
}

// createTestSession begins a session against a throwaway port path.
func createTestSession(t *testing.T, db *DB) *Session {
	t.Helper()

	session, err := db.BeginSession("/dev/ttyTEST0", 100000, "test session")
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	return session
}

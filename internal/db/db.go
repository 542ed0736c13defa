package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sbuslink/internal/sbus"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the database at path with the standard connection pragmas
// applied, without creating any tables. Use this when migrations manage
// the schema.
func OpenDB(path string) (*DB, error) {
	// Pragmas go in the DSN so they apply to every pooled connection,
	// not just the one that happens to run the Exec.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// NewDB opens the database at path and creates the schema if it does not
// exist yet.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if err := db.initSchema(); err != nil {
		return nil, err
	}

	return db, nil
}

// NewDBWithMigrationCheck opens the database at path and reconciles it with
// the embedded migrations. A fresh database gets the full schema and a
// baseline at the latest migration version. A database without a
// schema_migrations table is matched against the known migration points and
// baselined when its schema matches one exactly. When checkMigrations is
// true, an out-of-date or dirty database is an error telling the operator to
// run the migrate subcommand.
func NewDBWithMigrationCheck(path string, checkMigrations bool) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	empty, err := db.isEmptyDatabase()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to inspect database: %w", err)
	}

	if empty {
		if err := db.initSchema(); err != nil {
			db.Close()
			return nil, err
		}
		latest, err := GetLatestMigrationVersion(migrationsFS)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := db.BaselineAtVersion(latest); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	hasMigrations, err := db.hasSchemaMigrationsTable()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to check schema_migrations: %w", err)
	}

	if !hasMigrations {
		// Existing database from before the migration tooling. Work out
		// which migration point its schema corresponds to.
		version, score, diffs, err := db.DetectSchemaVersion(migrationsFS)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("schema detection failed: %w", err)
		}
		if score == 100 {
			if err := db.BaselineAtVersion(version); err != nil {
				db.Close()
				return nil, err
			}
			log.Printf("Baselined existing database at migration version %d", version)
		} else if checkMigrations {
			for _, diff := range diffs {
				log.Printf("schema difference: %s", diff)
			}
			db.Close()
			return nil, fmt.Errorf("database schema does not match any known migration (closest: version %d at %d%%). Run 'sbusd migrate detect' to diagnose", version, score)
		}
	}

	if checkMigrations {
		if _, err := db.CheckAndPromptMigrations(migrationsFS); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

func (db *DB) initSchema() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			port_path         TEXT,
			baud_rate         INTEGER,
			description       TEXT,
			started_at        BIGINT,
			ended_at          BIGINT
		);
		CREATE TABLE IF NOT EXISTS frames (
			session_id        TEXT,
			recorded_at       BIGINT,
			ch1               INTEGER,
			ch2               INTEGER,
			ch3               INTEGER,
			ch4               INTEGER,
			ch5               INTEGER,
			ch6               INTEGER,
			ch7               INTEGER,
			ch8               INTEGER,
			ch9               INTEGER,
			ch10              INTEGER,
			ch11              INTEGER,
			ch12              INTEGER,
			ch13              INTEGER,
			ch14              INTEGER,
			ch15              INTEGER,
			ch16              INTEGER,
			d1                INTEGER,
			d2                INTEGER,
			frame_lost        INTEGER,
			failsafe          INTEGER,
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);
		CREATE TABLE IF NOT EXISTS link_stats (
			session_id        TEXT,
			recorded_at       BIGINT,
			frames_decoded    BIGINT,
			sync_losses       BIGINT,
			bytes_discarded   BIGINT,
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);
		CREATE TABLE IF NOT EXISTS serial_configs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			name              TEXT NOT NULL UNIQUE,
			port_path         TEXT NOT NULL,
			baud_rate         INTEGER NOT NULL DEFAULT 100000,
			data_bits         INTEGER NOT NULL DEFAULT 8,
			stop_bits         INTEGER NOT NULL DEFAULT 2,
			parity            TEXT NOT NULL DEFAULT 'E',
			enabled           INTEGER NOT NULL DEFAULT 1,
			description       TEXT DEFAULT '',
			receiver_model    TEXT DEFAULT 'generic',
			created_at        BIGINT DEFAULT (strftime('%s','now')),
			updated_at        BIGINT DEFAULT (strftime('%s','now'))
		);
		CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_link_stats_session ON link_stats(session_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_frames_failsafe ON frames(session_id, failsafe);
		INSERT OR IGNORE INTO serial_configs (name, port_path, baud_rate, data_bits, stop_bits, parity, enabled, description, receiver_model)
			VALUES ('Onboard UART', '/dev/ttyAMA0', 100000, 8, 2, 'E', 1, 'Built-in UART wired to the receiver S.Bus pad', 'generic');
	`)
	return err
}

// isEmptyDatabase reports whether the database has no user tables at all.
func (db *DB) isEmptyDatabase() (bool, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
	`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (db *DB) hasSchemaMigrationsTable() (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

const frameColumns = `session_id, recorded_at,
	ch1, ch2, ch3, ch4, ch5, ch6, ch7, ch8,
	ch9, ch10, ch11, ch12, ch13, ch14, ch15, ch16,
	d1, d2, frame_lost, failsafe`

// Frame is one decoded frame as stored in the frames table.
// RecordedAt is unix milliseconds; a receiver emits a frame every 14ms, so
// second resolution would collapse ~70 frames into one timestamp.
type Frame struct {
	SessionID  string     `json:"session_id"`
	RecordedAt int64      `json:"recorded_at"`
	Channels   [16]uint16 `json:"channels"`
	Flags      sbus.Flags `json:"flags"`
}

func (f *Frame) String() string {
	return fmt.Sprintf(
		"Session: %s, RecordedAt: %d, Channels: %v, D1: %t, D2: %t, FrameLost: %t, Failsafe: %t",
		f.SessionID,
		f.RecordedAt,
		f.Channels,
		f.Flags.D1,
		f.Flags.D2,
		f.Flags.FrameLost,
		f.Flags.Failsafe,
	)
}

// Packet converts the stored frame back into a wire-level packet, for
// re-encoding or replay.
func (f *Frame) Packet() sbus.Packet {
	return sbus.Packet{
		Channels: f.Channels,
		Flags:    f.Flags,
	}
}

func flagInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordFrame stores one decoded frame against a session.
func (db *DB) RecordFrame(sessionID string, p sbus.Packet) error {
	args := make([]any, 0, 22)
	args = append(args, sessionID, time.Now().UnixMilli())
	for _, ch := range p.Channels {
		args = append(args, ch)
	}
	args = append(args,
		flagInt(p.Flags.D1),
		flagInt(p.Flags.D2),
		flagInt(p.Flags.FrameLost),
		flagInt(p.Flags.Failsafe),
	)

	_, err := db.Exec(
		`INSERT INTO frames (`+frameColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return err
	}
	return nil
}

func scanFrame(rows *sql.Rows) (Frame, error) {
	var f Frame
	var d1, d2, frameLost, failsafe int

	dest := make([]any, 0, 22)
	dest = append(dest, &f.SessionID, &f.RecordedAt)
	for i := range f.Channels {
		dest = append(dest, &f.Channels[i])
	}
	dest = append(dest, &d1, &d2, &frameLost, &failsafe)

	if err := rows.Scan(dest...); err != nil {
		return Frame{}, err
	}

	f.Flags = sbus.Flags{
		D1:        d1 == 1,
		D2:        d2 == 1,
		FrameLost: frameLost == 1,
		Failsafe:  failsafe == 1,
	}
	return f, nil
}

// RecentFrames returns the most recent frames, newest first. An empty
// sessionID matches all sessions. A non-positive limit defaults to 100.
func (db *DB) RecentFrames(sessionID string, limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + frameColumns + ` FROM frames`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY recorded_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return frames, nil
}

// LatestFrame returns the most recent frame, or nil if none has been
// recorded. An empty sessionID matches all sessions.
func (db *DB) LatestFrame(sessionID string) (*Frame, error) {
	frames, err := db.RecentFrames(sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return &frames[0], nil
}

// SessionFrames returns every frame for a session in recording order,
// oldest first. Used by the replay tooling, which wants stream order.
func (db *DB) SessionFrames(sessionID string) ([]Frame, error) {
	rows, err := db.Query(
		`SELECT `+frameColumns+` FROM frames WHERE session_id = ? ORDER BY recorded_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return frames, nil
}

// FrameCount returns the number of recorded frames. An empty sessionID
// counts across all sessions.
func (db *DB) FrameCount(sessionID string) (int64, error) {
	var count int64
	var err error
	if sessionID == "" {
		err = db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&count)
	} else {
		err = db.QueryRow(`SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&count)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// TableStats describes one table in the database stats report.
type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// DatabaseStats summarizes on-disk size and per-table row counts.
type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats reports the database file size and per-table row counts.
// Per-table sizes come from the dbstat virtual table and are zero when the
// build does not provide it.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to read page_size: %w", err)
	}

	stats := &DatabaseStats{
		TotalSizeMB: float64(pageCount*pageSize) / (1024 * 1024),
	}

	rows, err := db.Query(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, name := range names {
		ts := TableStats{Name: name}
		if err := db.QueryRow("SELECT COUNT(*) FROM " + name).Scan(&ts.RowCount); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}

		var sizeBytes sql.NullInt64
		if err := db.QueryRow("SELECT SUM(pgsize) FROM dbstat WHERE name = ?", name).Scan(&sizeBytes); err == nil && sizeBytes.Valid {
			ts.SizeMB = float64(sizeBytes.Int64) / (1024 * 1024)
		}

		stats.Tables = append(stats.Tables, ts)
	}

	return stats, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://sbuslink.db", db.DB, &tailsql.DBOptions{
		Label: "SBUS Link DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("db-stats", "Database size and per-table row counts", func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.GetDatabaseStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to collect database stats: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Printf("Failed to encode database stats: %v", err)
		}
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		// Send the backup file to the client
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := gzipWriter.Write([]byte{}); err != nil {
			// Need to write something to initialize the gzip header
			http.Error(w, fmt.Sprintf("Failed to initialize gzip writer: %v", err), http.StatusInternalServerError)
			return
		}

		// Copy the backup file content to the gzip writer
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}

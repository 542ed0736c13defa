package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one recording run against a serial port. StartedAt and EndedAt
// are unix seconds; EndedAt is nil while the session is still open.
type Session struct {
	ID          string `json:"id"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	Description string `json:"description"`
	StartedAt   int64  `json:"started_at"`
	EndedAt     *int64 `json:"ended_at,omitempty"`
}

func (s *Session) String() string {
	ended := "open"
	if s.EndedAt != nil {
		ended = fmt.Sprintf("%d", *s.EndedAt)
	}
	return fmt.Sprintf(
		"ID: %s, PortPath: %s, BaudRate: %d, StartedAt: %d, EndedAt: %s",
		s.ID, s.PortPath, s.BaudRate, s.StartedAt, ended,
	)
}

// BeginSession creates a new open session and returns it.
func (db *DB) BeginSession(portPath string, baudRate int, description string) (*Session, error) {
	session := &Session{
		ID:          uuid.New().String(),
		PortPath:    portPath,
		BaudRate:    baudRate,
		Description: description,
		StartedAt:   time.Now().Unix(),
	}

	_, err := db.Exec(
		`INSERT INTO sessions (id, port_path, baud_rate, description, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.PortPath, session.BaudRate, session.Description, session.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// EndSession marks a session as closed. Ending an already-closed session is
// not an error; the original end time is kept.
func (db *DB) EndSession(id string) error {
	result, err := db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		// Either the session does not exist or it was already ended.
		// Distinguish so callers get a useful error for the former.
		existing, err := db.GetSession(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("session with ID %s not found", id)
		}
	}

	return nil
}

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var s Session
	var endedAt sql.NullInt64
	err := scan(&s.ID, &s.PortPath, &s.BaudRate, &s.Description, &s.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Int64
	}
	return &s, nil
}

// GetSession returns a session by ID, or nil if it does not exist.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(
		`SELECT id, port_path, baud_rate, description, started_at, ended_at
		FROM sessions WHERE id = ?`,
		id,
	)

	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// Sessions returns sessions newest first. A non-positive limit defaults
// to 50.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(
		`SELECT id, port_path, baud_rate, description, started_at, ended_at
		FROM sessions ORDER BY started_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// ActiveSession returns the most recently started session that has not been
// ended, or nil if every session is closed.
func (db *DB) ActiveSession() (*Session, error) {
	row := db.QueryRow(
		`SELECT id, port_path, baud_rate, description, started_at, ended_at
		FROM sessions WHERE ended_at IS NULL
		ORDER BY started_at DESC, id LIMIT 1`,
	)

	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

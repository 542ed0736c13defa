package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/sbuslink/internal/sbus"
)

// LinkStatsRecord is one snapshot of the reassembler counters for a
// session. RecordedAt is unix milliseconds. Counters are cumulative since
// the mux was created, so link quality over an interval is the difference
// between two snapshots.
type LinkStatsRecord struct {
	SessionID      string `json:"session_id"`
	RecordedAt     int64  `json:"recorded_at"`
	FramesDecoded  uint64 `json:"frames_decoded"`
	SyncLosses     uint64 `json:"sync_losses"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
}

// RecordLinkStats stores a snapshot of the link counters for a session.
func (db *DB) RecordLinkStats(sessionID string, stats sbus.LinkStats) error {
	_, err := db.Exec(
		`INSERT INTO link_stats (session_id, recorded_at, frames_decoded, sync_losses, bytes_discarded)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, time.Now().UnixMilli(),
		int64(stats.FramesDecoded), int64(stats.SyncLosses), int64(stats.BytesDiscarded),
	)
	if err != nil {
		return fmt.Errorf("failed to record link stats: %w", err)
	}
	return nil
}

func scanLinkStats(scan func(dest ...any) error) (*LinkStatsRecord, error) {
	var rec LinkStatsRecord
	var decoded, losses, discarded int64
	err := scan(&rec.SessionID, &rec.RecordedAt, &decoded, &losses, &discarded)
	if err != nil {
		return nil, err
	}
	rec.FramesDecoded = uint64(decoded)
	rec.SyncLosses = uint64(losses)
	rec.BytesDiscarded = uint64(discarded)
	return &rec, nil
}

// LinkStatsForSession returns every stats snapshot for a session in
// recording order, oldest first.
func (db *DB) LinkStatsForSession(sessionID string) ([]LinkStatsRecord, error) {
	rows, err := db.Query(
		`SELECT session_id, recorded_at, frames_decoded, sync_losses, bytes_discarded
		FROM link_stats WHERE session_id = ?
		ORDER BY recorded_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query link stats: %w", err)
	}
	defer rows.Close()

	var records []LinkStatsRecord
	for rows.Next() {
		rec, err := scanLinkStats(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link stats: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// LatestLinkStats returns the most recent stats snapshot, or nil if none
// has been recorded. An empty sessionID matches all sessions.
func (db *DB) LatestLinkStats(sessionID string) (*LinkStatsRecord, error) {
	query := `SELECT session_id, recorded_at, frames_decoded, sync_losses, bytes_discarded
		FROM link_stats`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY recorded_at DESC, rowid DESC LIMIT 1`

	row := db.QueryRow(query, args...)

	rec, err := scanLinkStats(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest link stats: %w", err)
	}
	return rec, nil
}

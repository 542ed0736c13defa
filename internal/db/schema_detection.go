package db

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// GetDatabaseSchema returns the normalized CREATE statements for every user
// table and index in the database, keyed by object name. The
// schema_migrations bookkeeping table is excluded so a migrated database and
// a baselined one compare equal.
func (db *DB) GetDatabaseSchema() (map[string]string, error) {
	rows, err := db.Query(`
		SELECT name, sql
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		  AND sql IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	defer rows.Close()

	schema := make(map[string]string)
	for rows.Next() {
		var name, sqlText string
		if err := rows.Scan(&name, &sqlText); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}
		schema[name] = normalizeSQL(sqlText)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return schema, nil
}

// normalizeSQL collapses whitespace and strips decorations SQLite may or may
// not preserve, so the same logical statement always compares equal.
func normalizeSQL(s string) string {
	// Pad structural tokens so "(id" and "( id" tokenize identically.
	for _, tok := range []string{"(", ")", ","} {
		s = strings.ReplaceAll(s, tok, " "+tok+" ")
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "IF NOT EXISTS ", "")
	s = strings.ReplaceAll(s, `"`, "")
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// CompareSchemas returns a similarity score (0-100) between two schemas and
// a list of human-readable differences. The score is the share of objects,
// across both schemas, that exist in both with identical normalized SQL.
// Both sides are normalized before comparing, so callers may pass raw DDL.
func CompareSchemas(got, want map[string]string) (int, []string) {
	names := make(map[string]bool)
	for name := range got {
		names[name] = true
	}
	for name := range want {
		names[name] = true
	}

	if len(names) == 0 {
		return 100, nil
	}

	matches := 0
	var diffs []string
	for name := range names {
		gotSQL, inGot := got[name]
		wantSQL, inWant := want[name]
		switch {
		case inGot && !inWant:
			diffs = append(diffs, fmt.Sprintf("extra object: %s", name))
		case !inGot && inWant:
			diffs = append(diffs, fmt.Sprintf("missing object: %s", name))
		case normalizeSQL(gotSQL) != normalizeSQL(wantSQL):
			diffs = append(diffs, fmt.Sprintf("definition mismatch: %s", name))
		default:
			matches++
		}
	}

	sort.Strings(diffs)
	score := matches * 100 / len(names)
	return score, diffs
}

// GetSchemaAtMigration returns the schema a database would have after
// applying migrations up to the given version. It runs the migrations
// against a scratch in-memory database.
func (db *DB) GetSchemaAtMigration(migrations fs.FS, version uint) (map[string]string, error) {
	scratch, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch database: %w", err)
	}
	defer scratch.Close()
	// An in-memory database exists per connection, so the pool must not
	// hand migration statements to a second one.
	scratch.SetMaxOpenConns(1)

	sdb := &DB{scratch}
	if err := sdb.MigrateTo(migrations, version); err != nil {
		return nil, fmt.Errorf("failed to apply migrations to scratch database: %w", err)
	}

	return sdb.GetDatabaseSchema()
}

// DetectSchemaVersion compares the database schema against every known
// migration point and returns the best-matching version, its similarity
// score, and the differences at that version. Used for databases created
// before the migration tooling existed.
func (db *DB) DetectSchemaVersion(migrations fs.FS) (uint, int, []string, error) {
	current, err := db.GetDatabaseSchema()
	if err != nil {
		return 0, 0, nil, err
	}

	latest, err := GetLatestMigrationVersion(migrations)
	if err != nil {
		return 0, 0, nil, err
	}

	var bestVersion uint
	bestScore := -1
	var bestDiffs []string

	for version := uint(1); version <= latest; version++ {
		candidate, err := db.GetSchemaAtMigration(migrations, version)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("failed to build schema for version %d: %w", version, err)
		}

		score, diffs := CompareSchemas(current, candidate)
		// Ties go to the later version: a database matching two points
		// equally is most plausibly at the newer one.
		if score >= bestScore {
			bestVersion = version
			bestScore = score
			bestDiffs = diffs
		}
	}

	return bestVersion, bestScore, bestDiffs, nil
}

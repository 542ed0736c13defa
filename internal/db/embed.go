package db

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

//go:embed migrations
var migrationsFS embed.FS

// DevMode, when true, loads migrations from the source tree instead of the
// embedded copy, so new migration files can be exercised without
// rebuilding the binary.
var DevMode = false

const devMigrationsDir = "internal/db/migrations"

// getMigrationsFS returns the migrations filesystem rooted at the directory
// containing the .sql files.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		if _, err := os.Stat(devMigrationsDir); err != nil {
			return nil, fmt.Errorf("dev migrations directory not available: %w", err)
		}
		return os.DirFS(devMigrationsDir), nil
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	return sub, nil
}

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenSQLite opens (creating if necessary) the SQLite-backed room store
// database and runs its migrations, mirroring the teacher's
// internal/database.Open+AutoMigrate split but scoped to the room schema.
// An explicit dsn takes precedence over path, matching room.store.dsn's
// override of room.store.path in configuration.
func OpenSQLite(path, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		path = strings.TrimSpace(path)
		switch {
		case path == "", strings.EqualFold(path, ":memory:"):
			dsn = "file::memory:?cache=shared&_foreign_keys=1"
		default:
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("room store: create data dir: %w", err)
				}
			}
			dsn = fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", filepath.ToSlash(path))
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("room store: open sqlite: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("room store: migrate: %w", err)
	}

	return db, nil
}

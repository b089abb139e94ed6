package database

import (
	"cmp"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema step loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

// schemaVersion returns the highest applied migration version (0 for a fresh database)
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// loadMigrations reads every embedded migration, ordered by version
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(fileName, "_")
		if !ok {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil {
			continue
		}

		body, err := migrationFiles.ReadFile("migrations/" + fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", fileName, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(rest, ".sql"),
			SQL:     string(body),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

// backupDatabase copies an existing database file aside before it is migrated
func backupDatabase(dbPath string, fromVersion int) error {
	src, err := os.Open(dbPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat database: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, fromVersion, time.Now().Format("20060102-150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy database: %w", err)
	}

	log.WithField("backup", filepath.Base(backupPath)).Info("Created database backup")
	return nil
}

// runMigrations applies every migration newer than the recorded schema version
func runMigrations(db *sql.DB, dbPath string) error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	all, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var pending []Migration
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		log.WithField("version", current).Debug("Database schema is up to date")
		return nil
	}

	// A database at version 0 may still hold data from before migrations existed
	if err := backupDatabase(dbPath, current); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}

	log.WithFields(log.Fields{
		"from":    current,
		"to":      pending[len(pending)-1].Version,
		"pending": len(pending),
	}).Info("Migrating database schema")

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.WithFields(log.Fields{"version": m.Version, "name": m.Name}).Info("Applied migration")
	}
	return nil
}

// applyMigration runs one migration and records it in the same transaction
func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, nowMillis(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

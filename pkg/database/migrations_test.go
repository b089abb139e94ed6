package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Open database (should run every migration)
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var version int
	var name string
	err = db.conn.QueryRow("SELECT version, name FROM schema_migrations WHERE version=1").Scan(&version, &name)
	if err != nil {
		t.Fatalf("Migration 001 not found: %v", err)
	}
	if name != "initial" {
		t.Errorf("Expected name 'initial', got '%s'", name)
	}

	for _, table := range []string{"Identity", "Contact", "Message", "schema_migrations"} {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to check for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s not found", table)
		}
	}
}

// TestMigrationPath replays each migration step against data written in the
// previous schema. Add a case for every new migration.
func TestMigrationPath(t *testing.T) {
	migrationTests := []struct {
		name           string
		fromVersion    int
		toVersion      int
		setupData      func(db *sql.DB) error
		validateData   func(db *sql.DB, t *testing.T)
		validateSchema func(db *sql.DB, t *testing.T)
	}{
		{
			name:        "v0 → v1: Initial schema creation",
			fromVersion: 0,
			toVersion:   1,
			setupData:   func(db *sql.DB) error { return nil },
			validateData: func(db *sql.DB, t *testing.T) {
				var count int
				if err := db.QueryRow("SELECT COUNT(*) FROM Identity").Scan(&count); err != nil {
					t.Fatalf("Failed to count identities: %v", err)
				}
				if count != 0 {
					t.Errorf("Expected empty Identity table, got %d rows", count)
				}
			},
			validateSchema: func(db *sql.DB, t *testing.T) {
				for _, table := range []string{"Identity", "Contact", "Message"} {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
					if err != nil {
						t.Fatalf("Failed to check table %s: %v", table, err)
					}
					if count != 1 {
						t.Errorf("Table %s not found after migration to v1", table)
					}
				}
			},
		},
		{
			name:        "v1 → v2: Conversation indexes",
			fromVersion: 1,
			toVersion:   2,
			setupData: func(db *sql.DB) error {
				now := time.Now().UnixMilli()
				if _, err := db.Exec(`
					INSERT INTO Identity (id, username, password_hash, created_at)
					VALUES (1, 'alice', 'x', ?), (2, 'bob', 'x', ?)
				`, now, now); err != nil {
					return err
				}
				if _, err := db.Exec(`
					INSERT INTO Contact (owner_id, contact_id, created_at) VALUES (1, 2, ?)
				`, now); err != nil {
					return err
				}
				_, err := db.Exec(`
					INSERT INTO Message (sender_id, receiver_id, content, sent_at)
					VALUES (1, 2, 'hi', ?), (2, 1, 'hey', ?)
				`, now, now+1)
				return err
			},
			validateData: func(db *sql.DB, t *testing.T) {
				var count int
				if err := db.QueryRow("SELECT COUNT(*) FROM Message").Scan(&count); err != nil {
					t.Fatalf("Failed to count messages: %v", err)
				}
				if count != 2 {
					t.Errorf("Expected 2 messages to survive, got %d", count)
				}
				if err := db.QueryRow("SELECT COUNT(*) FROM Contact").Scan(&count); err != nil {
					t.Fatalf("Failed to count contacts: %v", err)
				}
				if count != 1 {
					t.Errorf("Expected 1 contact to survive, got %d", count)
				}
			},
			validateSchema: func(db *sql.DB, t *testing.T) {
				for _, index := range []string{"idx_message_pair", "idx_contact_owner"} {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
					if err != nil {
						t.Fatalf("Failed to check index %s: %v", index, err)
					}
					if count != 1 {
						t.Errorf("Index %s not found after migration to v2", index)
					}
				}
			},
		},
	}

	for _, tt := range migrationTests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			// Raw connection without the migration runner
			rawDB, err := sql.Open("sqlite", dbPath)
			if err != nil {
				t.Fatalf("Failed to open database: %v", err)
			}

			if tt.fromVersion > 0 {
				if _, err := rawDB.Exec(migrationsTable); err != nil {
					rawDB.Close()
					t.Fatalf("Failed to init migrations: %v", err)
				}

				migrations, err := loadMigrations()
				if err != nil {
					rawDB.Close()
					t.Fatalf("Failed to load migrations: %v", err)
				}
				for _, m := range migrations {
					if m.Version <= tt.fromVersion {
						if err := applyMigration(rawDB, m); err != nil {
							rawDB.Close()
							t.Fatalf("Failed to apply migration %d: %v", m.Version, err)
						}
					}
				}
			}

			if err := tt.setupData(rawDB); err != nil {
				rawDB.Close()
				t.Fatalf("Failed to setup test data: %v", err)
			}
			rawDB.Close()

			db, err := Open(dbPath)
			if err != nil {
				t.Fatalf("Failed to open database with migrations: %v", err)
			}
			defer db.Close()

			tt.validateSchema(db.conn, t)
			tt.validateData(db.conn, t)

			version, err := schemaVersion(db.conn)
			if err != nil {
				t.Fatalf("Failed to get current version: %v", err)
			}
			if version < tt.toVersion {
				t.Errorf("Expected version >= %d, got %d", tt.toVersion, version)
			}
		})
	}
}

func TestMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// Simulate a database from before the migration runner existed
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if _, err := conn.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}
	conn.Close()

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read temp directory: %v", err)
	}

	var fileNames []string
	for _, file := range files {
		// test.db.backup-v0-<timestamp>
		if strings.HasPrefix(file.Name(), "test.db.backup-v0-") {
			return
		}
		fileNames = append(fileNames, file.Name())
	}
	t.Errorf("Backup file not created. Found files: %v", fileNames)
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database first time: %v", err)
	}
	var count1 int
	if err := db1.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count1); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database second time: %v", err)
	}
	defer db2.Close()

	var count2 int
	if err := db2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count2); err != nil {
		t.Fatalf("Failed to count migrations second time: %v", err)
	}
	if count1 != count2 {
		t.Errorf("Migration count changed: %d -> %d (migrations re-ran)", count1, count2)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("Failed to load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("No migrations found")
	}

	for i := 0; i < len(migrations)-1; i++ {
		if migrations[i].Version >= migrations[i+1].Version {
			t.Errorf("Migrations not sorted: %d >= %d", migrations[i].Version, migrations[i+1].Version)
		}
	}

	if migrations[0].Version != 1 || migrations[0].Name != "initial" {
		t.Errorf("Expected first migration 001 (initial), got %03d (%s)", migrations[0].Version, migrations[0].Name)
	}
	for _, m := range migrations {
		if strings.TrimSpace(m.SQL) == "" {
			t.Errorf("Migration %03d has empty SQL", m.Version)
		}
	}
}

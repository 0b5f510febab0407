package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the version a fully migrated database reports.
const schemaVersion = 2

// step is one schema change. Its statements run in a single transaction.
type step struct {
	version int
	name    string
	stmts   []string
}

var steps = []step{
	{
		version: 1,
		name:    "messages table",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id          TEXT PRIMARY KEY,
				chat_id     TEXT NOT NULL,
				user_id     TEXT DEFAULT '',
				text        TEXT DEFAULT '',
				attachments TEXT DEFAULT '[]',
				actions     TEXT DEFAULT '[]',
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
		},
	},
	{
		version: 2,
		name:    "bridge that posted a message",
		stmts: []string{
			`ALTER TABLE messages ADD COLUMN source TEXT DEFAULT ''`,
		},
	},
}

// RunMigrations brings db up to schemaVersion. Steps already recorded in
// schema_version are skipped.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if err := s.apply(context.Background(), db, logger); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", s.version, "step", s.name)
	}
	return nil
}

func (s step) apply(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", s.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range s.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			// Databases created before versioning may already have the change.
			if alreadyApplied(err) {
				logger.Debug("migration statement already applied", "version", s.version, "err", err)
				continue
			}
			return fmt.Errorf("migration %d (%s): %w", s.version, s.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, name) VALUES (?, ?)`, s.version, s.name,
	); err != nil {
		return fmt.Errorf("migration %d: record version: %w", s.version, err)
	}
	return tx.Commit()
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// GetSchemaVersion returns the highest applied version, or 0 when the database
// has never been migrated.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Package store persists the message list in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"teamchat/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 100

// SQLiteStore implements domain.MessageStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.MessageStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	attachments, actions, err := encodeLists(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, user_id, text, attachments, actions, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.UserID, msg.Text, attachments, actions, msg.Source, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage returns nil, nil when the message does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, user_id, text, attachments, actions, source, created_at, updated_at
		 FROM messages WHERE id = ?`, id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessage replaces the text, attachments and actions of an existing
// message. Updating a missing message is a no-op.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg domain.Message) error {
	msg.UpdatedAt = time.Now()
	attachments, actions, err := encodeLists(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text=?, attachments=?, actions=?, updated_at=? WHERE id=?`,
		msg.Text, attachments, actions, msg.UpdatedAt, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("update skipped, message not found", "id", msg.ID)
	}
	return nil
}

func (s *SQLiteStore) RemoveMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove message %s: %w", id, err)
	}
	return nil
}

// ListMessages returns the last limit messages of a chat, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, text, attachments, actions, source, created_at, updated_at
		 FROM messages WHERE chat_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m                    domain.Message
		userID, text, source sql.NullString
		attachments, actions sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ChatID, &userID, &text, &attachments, &actions, &source,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	m.UserID = userID.String
	m.Text = text.String
	m.Source = source.String
	if err := decodeList(attachments, &m.Attachments); err != nil {
		return m, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
	}
	if err := decodeList(actions, &m.Actions); err != nil {
		return m, fmt.Errorf("decode actions of %s: %w", m.ID, err)
	}
	return m, nil
}

func encodeLists(msg domain.Message) (string, string, error) {
	attachments, err := json.Marshal(nonNil(msg.Attachments))
	if err != nil {
		return "", "", fmt.Errorf("encode attachments: %w", err)
	}
	actions, err := json.Marshal(nonNil(msg.Actions))
	if err != nil {
		return "", "", fmt.Errorf("encode actions: %w", err)
	}
	return string(attachments), string(actions), nil
}

// decodeList leaves dst nil for an empty list.
func decodeList[T any](col sql.NullString, dst *[]T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return err
	}
	if len(out) > 0 {
		*dst = out
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

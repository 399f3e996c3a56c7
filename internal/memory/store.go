// Package memory persists conversation transcripts and the DM pairing trust
// table in SQLite.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.TranscriptStore and domain.PairingStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		key         TEXT PRIMARY KEY,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_key TEXT NOT NULL REFERENCES conversations(key) ON DELETE CASCADE,
		role             TEXT NOT NULL,
		content          TEXT,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_key, id);

	CREATE TABLE IF NOT EXISTS paired_users (
		transport   TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		paired_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		expires_at  DATETIME,
		PRIMARY KEY (transport, user_id)
	);

	CREATE TABLE IF NOT EXISTS pairing_codes (
		code        TEXT PRIMARY KEY,
		transport   TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		expires_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pairing_codes_user ON pairing_codes(transport, user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// History returns up to limit most recent turns for a conversation, oldest
// first.
func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages
		 WHERE conversation_key = ?
		 ORDER BY id DESC LIMIT ?`, key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var content sql.NullString
		if err := rows.Scan(&t.Role, &content); err != nil {
			return nil, err
		}
		t.Content = content.String
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Append records one turn, creating the conversation row on first use.
func (s *SQLiteStore) Append(ctx context.Context, key string, turn domain.Turn) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (key, created_at, updated_at) VALUES (?, ?, ?)`,
		key, now, now,
	); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
		key, turn.Role, turn.Content, now,
	); err != nil {
		return err
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE key = ?`, now, key,
	)
	return nil
}

// DeleteConversation drops a conversation and its transcript.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_key = ?`, key,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE key = ?`, key)
	return err
}

// IsPaired reports whether the user holds an unexpired pairing.
func (s *SQLiteStore) IsPaired(ctx context.Context, transport, userID string) (bool, error) {
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM paired_users WHERE transport = ? AND user_id = ?`,
		transport, userID,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		// Expired pairings behave as absent; cleanup is opportunistic.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM paired_users WHERE transport = ? AND user_id = ?`,
			transport, userID,
		)
		return false, nil
	}
	return true, nil
}

// SavePairing upserts a pairing with the given expiry.
func (s *SQLiteStore) SavePairing(ctx context.Context, transport, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paired_users (transport, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(transport, user_id) DO UPDATE SET paired_at = excluded.paired_at, expires_at = excluded.expires_at`,
		transport, userID, time.Now(), expiresAt,
	)
	return err
}

// RevokePairing removes a pairing.
func (s *SQLiteStore) RevokePairing(ctx context.Context, transport, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE transport = ? AND user_id = ?`,
		transport, userID,
	)
	return err
}

// SaveCode records a one-time pairing code, replacing any code the sender
// already holds.
func (s *SQLiteStore) SaveCode(ctx context.Context, transport, userID, code string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE transport = ? AND user_id = ?`, transport, userID,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_codes (code, transport, user_id, expires_at) VALUES (?, ?, ?, ?)`,
		code, transport, userID, expiresAt,
	)
	return err
}

// CodeFor returns the sender's unexpired code, if one is outstanding.
func (s *SQLiteStore) CodeFor(ctx context.Context, transport, userID string) (string, bool, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT code FROM pairing_codes WHERE transport = ? AND user_id = ? AND expires_at > ?`,
		transport, userID, time.Now(),
	).Scan(&code)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

// FindCode resolves an unexpired code back to its sender.
func (s *SQLiteStore) FindCode(ctx context.Context, code string) (transport, userID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT transport, user_id FROM pairing_codes WHERE code = ? AND expires_at > ?`,
		code, time.Now(),
	).Scan(&transport, &userID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return transport, userID, true, nil
}

// DeleteCode removes a code once consumed.
func (s *SQLiteStore) DeleteCode(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pairing_codes WHERE code = ?`, code)
	return err
}

// ListPairings returns current pairings, newest first. Used by the CLI.
func (s *SQLiteStore) ListPairings(ctx context.Context) ([]Pairing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transport, user_id, paired_at, expires_at FROM paired_users ORDER BY paired_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pairing
	for rows.Next() {
		var p Pairing
		var expiresAt sql.NullTime
		if err := rows.Scan(&p.Transport, &p.UserID, &p.PairedAt, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			p.ExpiresAt = &expiresAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Pairing is one row of the trust table.
type Pairing struct {
	Transport string
	UserID    string
	PairedAt  time.Time
	ExpiresAt *time.Time
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

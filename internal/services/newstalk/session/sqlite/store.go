// Package sqlite provides a SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/assetplanner/newstalk/internal/platform/storage/sqlitemigrate"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists sessions in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Lookup implements session.Store.
func (s *Store) Lookup(ctx context.Context, sessionID string) (session.Record, error) {
	if err := ctx.Err(); err != nil {
		return session.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return session.Record{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.Record{}, session.ErrNoSession
	}

	var (
		record    = session.Record{SessionID: sessionID}
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, email, username, expires_at FROM sessions WHERE sid = ?`,
		sessionID,
	).Scan(&record.UserID, &record.Email, &record.Username, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrNoSession
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("get session: %w", err)
	}
	record.ExpiresAt = fromMillis(expiresAt)
	if record.Expired(s.now()) {
		return session.Record{}, session.ErrNoSession
	}
	return record, nil
}

// save inserts or replaces one session.
func (s *Store) save(ctx context.Context, record session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(record.SessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (sid, user_id, email, username, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(sid) DO UPDATE SET
    user_id = excluded.user_id,
    email = excluded.email,
    username = excluded.username,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at`,
		sessionID,
		strings.TrimSpace(record.UserID),
		strings.TrimSpace(record.Email),
		strings.TrimSpace(record.Username),
		toMillis(record.ExpiresAt),
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// remove removes one session.
func (s *Store) remove(ctx context.Context, sessionID string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE sid = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions that expired before now and reports how many
// rows went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`,
		toMillis(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return n, nil
}

var _ session.Store = (*Store)(nil)

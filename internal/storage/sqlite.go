package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "notigate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveNotification(ctx context.Context, rec NotificationRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_notifications
		   (id, user_id, kind, title, body, data_json, priority, created_at,
		    attempt_count, max_attempts, next_retry_at, expires_at, last_error)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   attempt_count=excluded.attempt_count,
		   next_retry_at=excluded.next_retry_at,
		   last_error=excluded.last_error`,
		rec.ID, rec.UserID, rec.Kind, rec.Title, rec.Body, nullStr(rec.DataJSON),
		rec.Priority, rec.CreatedAt.Format(time.RFC3339Nano),
		rec.AttemptCount, rec.MaxAttempts,
		nullTime(rec.NextRetryAt), rec.ExpiresAt.Format(time.RFC3339Nano),
		nullStr(rec.LastError),
	)
	return err
}

func (s *sqliteStore) DeleteNotification(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_notifications WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadPending(ctx context.Context) ([]NotificationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, title, body, data_json, priority, created_at,
		        attempt_count, max_attempts, next_retry_at, expires_at, last_error
		   FROM pending_notifications
		  ORDER BY user_id, priority DESC, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var (
			rec                        NotificationRecord
			dataJSON, retryAt, lastErr sql.NullString
			createdAt, expiresAt       string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Kind, &rec.Title, &rec.Body,
			&dataJSON, &rec.Priority, &createdAt, &rec.AttemptCount, &rec.MaxAttempts,
			&retryAt, &expiresAt, &lastErr); err != nil {
			return nil, err
		}
		rec.DataJSON = dataJSON.String
		rec.LastError = lastErr.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		if retryAt.Valid {
			rec.NextRetryAt, _ = time.Parse(time.RFC3339Nano, retryAt.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AuditBlock(ctx context.Context, userID, action, reason string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO block_audit(at, user_id, action, reason, until_at) VALUES(?,?,?,?,?)`,
		time.Now().Format(time.RFC3339Nano), userID, action, nullStr(reason), nullTime(until),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

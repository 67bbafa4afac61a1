package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notigate/pkg/logx"
)

// Store is the minimal persistence API used by the queue and the rate
// limiter's audit trail.
type Store interface {
	SaveNotification(ctx context.Context, rec NotificationRecord) error
	DeleteNotification(ctx context.Context, id string) error
	LoadPending(ctx context.Context) ([]NotificationRecord, error)

	// AuditBlock satisfies the rate limiter's audit sink.
	AuditBlock(ctx context.Context, userID, action, reason string, until time.Time) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

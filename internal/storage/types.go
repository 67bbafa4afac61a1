package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the queue runs
// purely in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// NotificationRecord is the durable shape of one queued notification.
// Keep it compact and schema-stable; Data is serialized JSON.
type NotificationRecord struct {
	ID           string
	UserID       string
	Kind         string
	Title        string
	Body         string
	DataJSON     string
	Priority     int
	CreatedAt    time.Time
	AttemptCount int
	MaxAttempts  int
	NextRetryAt  time.Time
	ExpiresAt    time.Time
	LastError    string
}

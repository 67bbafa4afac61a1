// Package delivery routes notifications through one or more external
// gateways (push services, realtime sockets) behind a uniform send contract
// with health tracking and priority-ordered fallback.
package delivery

import (
	"context"
	"errors"
	"time"
)

// Provider wraps one external delivery gateway.
//
// Send returns nil on confirmed delivery. Transient failures (timeouts,
// gateway 5xx) are plain errors; failures that will never succeed for this
// recipient (revoked token, malformed payload) must be wrapped with
// Permanent so the router neither retries nor marks the provider down.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Send(ctx context.Context, userID, title, body string, data map[string]string) error
}

// Preferences is the external notification-preferences collaborator,
// consulted only by SendWithPreferences. Lookup failures fail open.
type Preferences interface {
	ShouldSend(ctx context.Context, userID, kind string) (bool, error)
	InQuietHours(ctx context.Context, userID string) (bool, error)
	ReachedFrequencyCap(ctx context.Context, userID string) (bool, error)
}

// Status is one provider's health record. The router owns these; they are
// refreshed on probe or on send failure and swapped wholesale, never
// mutated in place.
type Status struct {
	Name        string    `json:"name"`
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
	LastError   string    `json:"last_error,omitempty"`
}

var (
	// ErrNoProvider means every configured provider was unavailable or
	// failed; the caller should queue for retry.
	ErrNoProvider = errors.New("delivery: no provider available")

	// ErrVetoed means user preferences suppressed the send. Not a failure.
	ErrVetoed = errors.New("delivery: vetoed by preferences")

	// ErrRecipientUnreachable means this provider has no route to the
	// recipient (no live connection, no address mapping). The provider is
	// healthy; the router moves on to the next one.
	ErrRecipientUnreachable = errors.New("delivery: recipient unreachable via provider")
)

// PermanentError marks a per-recipient failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent delivery failure"
	}
	return "permanent delivery failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

package ratelimit

import (
	"context"
	"time"
)

// OperationKind classifies a user action subject to its own limit tiers.
//
// The set is closed: unknown kinds resolve to OpGeneral.
type OperationKind string

const (
	OpGeneral    OperationKind = "general"
	OpCreatePost OperationKind = "create_post"
	OpLikePost   OperationKind = "like_post"
	OpComment    OperationKind = "comment"
	OpFollow     OperationKind = "follow"
	OpMessage    OperationKind = "message"
	OpReport     OperationKind = "report"
)

// Tier is a time window with its own threshold.
type Tier string

const (
	TierBurst   Tier = "burst"
	TierMinute  Tier = "minute"
	TierHour    Tier = "hour"
	TierDay     Tier = "day"
	TierBlocked Tier = "blocked"
)

// Window spans for each tier. The burst window is deliberately short to
// catch scripted spamming before the minute tier fills up.
const (
	burstWindow  = 10 * time.Second
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// Limits is the per-operation base limit table. Effective limits are derived
// per request by applying the trust multiplier; they are never stored.
type Limits struct {
	PerMinute      int
	PerHour        int
	PerDay         int
	BurstThreshold int
	BurstProtect   bool
}

// Decision is the synchronous outcome of an admission check.
//
// Remaining is the number of requests left in the minute window after this
// one; -1 means unlimited (limiting disabled or user exempt).
type Decision struct {
	Allowed    bool
	Remaining  int
	Tier       Tier          // violated tier when denied
	RetryAfter time.Duration // when denied, how long until retry makes sense
	ResetAt    time.Time     // when the violated window rolls over (minute tier)
}

// Violation records a denied request. Violations are kept per user for a
// rolling 24h window; their count drives auto-blocking.
type Violation struct {
	UserID     string
	Op         OperationKind
	Tier       Tier
	Observed   int
	Limit      int
	At         time.Time
	RetryAfter time.Duration
}

// BlockEntry marks a user as blocked until a deadline. Expired entries are
// lazily evicted on the next check.
type BlockEntry struct {
	UserID string
	Until  time.Time
	Reason string
}

// TrustScorer is the external trust-scoring collaborator. A failed lookup
// degrades to the configured fallback multiplier; it never fails the check.
type TrustScorer interface {
	RateLimitMultiplier(ctx context.Context, userID string) (float64, error)
}

// ExemptionPolicy reports users that bypass rate limiting entirely
// (privileged roles, per-account overrides). Errors are treated as
// "not exempt".
type ExemptionPolicy interface {
	IsExempt(ctx context.Context, userID string) (bool, error)
}

// AuditSink receives block lifecycle records (optional, best-effort).
type AuditSink interface {
	AuditBlock(ctx context.Context, userID, action, reason string, until time.Time) error
}

// Config controls the limiter. Durations and tables come from the config
// file; see internal/config.
type Config struct {
	Enabled      bool
	BurstEnabled bool

	TrustEnabled       bool
	FallbackMultiplier float64 // default 1.0

	AutoBlockEnabled   bool
	AutoBlockThreshold int           // violations within 24h, default 10
	AutoBlockDuration  time.Duration // default 1h

	Operations map[OperationKind]Limits
}

// defaultLimits applies when neither the operation nor "general" is
// configured.
var defaultLimits = Limits{
	PerMinute:      30,
	PerHour:        300,
	PerDay:         2000,
	BurstThreshold: 10,
	BurstProtect:   true,
}

func (c Config) limitsFor(op OperationKind) Limits {
	if l, ok := c.Operations[op]; ok {
		return l
	}
	if l, ok := c.Operations[OpGeneral]; ok {
		return l
	}
	return defaultLimits
}

func (c Config) withDefaults() Config {
	if c.FallbackMultiplier <= 0 {
		c.FallbackMultiplier = 1.0
	}
	if c.AutoBlockThreshold <= 0 {
		c.AutoBlockThreshold = 10
	}
	if c.AutoBlockDuration <= 0 {
		c.AutoBlockDuration = time.Hour
	}
	return c
}

// scale applies the trust multiplier to a single limit, flooring at 1 so a
// low-trust user can still act occasionally.
func scale(limit int, mult float64) int {
	if limit <= 0 {
		return 1
	}
	n := int(float64(limit) * mult)
	if n < 1 {
		return 1
	}
	return n
}

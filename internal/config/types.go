package config

// Config is the root configuration for the notification/admission core.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be YAML or JSON; unknown fields are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Queue     QueueConfig     `json:"queue"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Presence  PresenceConfig  `json:"presence,omitempty"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Socket    *SocketConfig   `json:"socket,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RateLimitConfig controls the admission-control limiter.
//
// Operations maps operation kinds (e.g. "create_post", "like_post") to their
// limit tiers. Unknown operations fall back to the "general" entry; if that
// is also missing, built-in defaults apply.
type RateLimitConfig struct {
	Enabled      bool `json:"enabled"`
	BurstEnabled bool `json:"burst_enabled"`

	// TrustEnabled scales limits by the external trust score.
	// FallbackMultiplier is used when the lookup fails or trust is disabled.
	TrustEnabled       bool    `json:"trust_enabled"`
	FallbackMultiplier float64 `json:"fallback_multiplier,omitempty"`

	// ExemptRoles bypass rate limiting entirely (e.g. "admin", "system").
	ExemptRoles []string `json:"exempt_roles,omitempty"`

	AutoBlock AutoBlockConfig `json:"auto_block"`

	Operations map[string]OperationLimits `json:"operations,omitempty"`
}

type OperationLimits struct {
	PerMinute      int  `json:"per_minute"`
	PerHour        int  `json:"per_hour"`
	PerDay         int  `json:"per_day"`
	BurstThreshold int  `json:"burst_threshold,omitempty"`
	BurstProtect   bool `json:"burst_protect,omitempty"`
}

type AutoBlockConfig struct {
	Enabled   bool   `json:"enabled"`
	Threshold int    `json:"threshold,omitempty"`
	Duration  string `json:"duration,omitempty"` // e.g. "1h"
}

// QueueConfig controls the offline queue and its dispatcher.
type QueueConfig struct {
	Tick        string `json:"tick,omitempty"`         // dispatcher interval, default "30s"
	SweepSpec   string `json:"sweep,omitempty"`        // cron spec for maintenance, default "@hourly"
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 5
	BackoffCap  string `json:"backoff_cap,omitempty"`  // default "6h"

	// Per-priority expiry overrides. Defaults: critical 168h, high 72h,
	// normal 24h, low 6h.
	Expiry map[string]string `json:"expiry,omitempty"`

	// PresenceRetention prunes idle connectivity records, default "24h".
	PresenceRetention string `json:"presence_retention,omitempty"`
}

// DeliveryConfig controls the provider router.
type DeliveryConfig struct {
	SendTimeout string `json:"send_timeout,omitempty"` // per-provider send bound, default "10s"
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // outbound pacing, default 20
	ProbeEvery  string `json:"probe_every,omitempty"`  // provider re-probe interval, default "1m"
}

type PresenceConfig struct {
	// Retention for idle records; superseded by queue.presence_retention if set.
	Retention string `json:"retention,omitempty"`
}

// TelegramConfig enables the Telegram delivery gateway.
// ChatIDs maps internal user IDs to Telegram chat IDs.
type TelegramConfig struct {
	Enabled     bool             `json:"enabled"`
	Token       string           `json:"token"`
	PollTimeout string           `json:"poll_timeout,omitempty"`
	ChatIDs     map[string]int64 `json:"chat_ids,omitempty"`
}

// SocketConfig enables the realtime websocket gateway.
type SocketConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8844"
}

// StorageConfig controls the optional persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the queue is purely
// in-memory (it does not survive a restart).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9215"
}

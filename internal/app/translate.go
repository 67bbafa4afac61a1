package app

import (
	"fmt"
	"strings"
	"time"

	"notigate/internal/config"
	"notigate/internal/delivery"
	"notigate/internal/queue"
	"notigate/internal/ratelimit"
	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

// The map* helpers translate the file config into per-component configs.
// They double as validators: the config manager rejects a reload whose
// mapping fails, so a bad duration never reaches a running component.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRateLimit(cfg *config.Config) (ratelimit.Config, error) {
	rl := cfg.RateLimit
	abDur, err := config.ParseDurationOrDefault("ratelimit.auto_block.duration", rl.AutoBlock.Duration, time.Hour)
	if err != nil {
		return ratelimit.Config{}, err
	}

	ops := make(map[ratelimit.OperationKind]ratelimit.Limits, len(rl.Operations))
	for name, ol := range rl.Operations {
		ops[ratelimit.OperationKind(name)] = ratelimit.Limits{
			PerMinute:      ol.PerMinute,
			PerHour:        ol.PerHour,
			PerDay:         ol.PerDay,
			BurstThreshold: ol.BurstThreshold,
			BurstProtect:   ol.BurstProtect,
		}
	}

	return ratelimit.Config{
		Enabled:            rl.Enabled,
		BurstEnabled:       rl.BurstEnabled,
		TrustEnabled:       rl.TrustEnabled,
		FallbackMultiplier: rl.FallbackMultiplier,
		AutoBlockEnabled:   rl.AutoBlock.Enabled,
		AutoBlockThreshold: rl.AutoBlock.Threshold,
		AutoBlockDuration:  abDur,
		Operations:         ops,
	}, nil
}

func mapQueue(cfg *config.Config) (queue.Config, queue.DispatcherConfig, error) {
	qc := cfg.Queue

	backoffCap, err := config.ParseDurationOrDefault("queue.backoff_cap", qc.BackoffCap, 6*time.Hour)
	if err != nil {
		return queue.Config{}, queue.DispatcherConfig{}, err
	}
	tick, err := config.ParseDurationOrDefault("queue.tick", qc.Tick, 30*time.Second)
	if err != nil {
		return queue.Config{}, queue.DispatcherConfig{}, err
	}

	retentionRaw := qc.PresenceRetention
	if retentionRaw == "" {
		retentionRaw = cfg.Presence.Retention
	}
	retention, err := config.ParseDurationOrDefault("queue.presence_retention", retentionRaw, 24*time.Hour)
	if err != nil {
		return queue.Config{}, queue.DispatcherConfig{}, err
	}

	var expiry map[queue.Priority]time.Duration
	for name, raw := range qc.Expiry {
		p, perr := parsePriority(name)
		if perr != nil {
			return queue.Config{}, queue.DispatcherConfig{}, perr
		}
		d, derr := config.ParseDurationField("queue.expiry."+name, raw)
		if derr != nil {
			return queue.Config{}, queue.DispatcherConfig{}, derr
		}
		if expiry == nil {
			expiry = map[queue.Priority]time.Duration{}
		}
		expiry[p] = d
	}

	return queue.Config{
			MaxAttempts: qc.MaxAttempts,
			BackoffCap:  backoffCap,
			Expiry:      expiry,
		}, queue.DispatcherConfig{
			Tick:              tick,
			SweepSpec:         qc.SweepSpec,
			PresenceRetention: retention,
		}, nil
}

func parsePriority(s string) (queue.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return queue.PriorityLow, nil
	case "normal":
		return queue.PriorityNormal, nil
	case "high":
		return queue.PriorityHigh, nil
	case "critical":
		return queue.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("queue.expiry: unknown priority %q", s)
	}
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	sendTimeout, err := config.ParseDurationOrDefault("delivery.send_timeout", dc.SendTimeout, 10*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	probeEvery, err := config.ParseDurationOrDefault("delivery.probe_every", dc.ProbeEvery, time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		SendTimeout: sendTimeout,
		RatePerSec:  dc.RatePerSec,
		ProbeEvery:  probeEvery,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, true, nil
}

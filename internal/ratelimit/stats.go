package ratelimit

import "sync/atomic"

// statCounters are process-wide aggregates, exposed for polling.
// They have no behavioral impact.
type statCounters struct {
	requests   atomic.Uint64
	allowed    atomic.Uint64
	denied     atomic.Uint64
	violations atomic.Uint64
	blocks     atomic.Uint64
}

// Stats is a point-in-time snapshot of the limiter's counters.
type Stats struct {
	Requests   uint64 `json:"requests"`
	Allowed    uint64 `json:"allowed"`
	Denied     uint64 `json:"denied"`
	Violations uint64 `json:"violations"`
	Blocks     uint64 `json:"blocks"`
}

func (l *Limiter) Snapshot() Stats {
	return Stats{
		Requests:   l.stats.requests.Load(),
		Allowed:    l.stats.allowed.Load(),
		Denied:     l.stats.denied.Load(),
		Violations: l.stats.violations.Load(),
		Blocks:     l.stats.blocks.Load(),
	}
}

// ResetMetrics zeroes the counters. Explicit reset semantics; nothing else
// reads or depends on these values.
func (l *Limiter) ResetMetrics() {
	l.stats.requests.Store(0)
	l.stats.allowed.Store(0)
	l.stats.denied.Store(0)
	l.stats.violations.Store(0)
	l.stats.blocks.Store(0)
}

package queue

import "sync/atomic"

// statCounters are process-wide aggregates, exposed for polling.
// They have no behavioral impact.
type statCounters struct {
	queued      atomic.Uint64
	delivered   atomic.Uint64
	suppressed  atomic.Uint64
	expired     atomic.Uint64
	exhausted   atomic.Uint64
	failedSends atomic.Uint64
}

// Stats is a point-in-time snapshot of the queue's counters.
type Stats struct {
	Queued      uint64 `json:"queued"`
	Delivered   uint64 `json:"delivered"`
	Suppressed  uint64 `json:"suppressed"`
	Expired     uint64 `json:"expired"`
	Exhausted   uint64 `json:"exhausted"`
	FailedSends uint64 `json:"failed_sends"`
	Depth       int    `json:"depth"`
}

func (q *Queue) Snapshot() Stats {
	return Stats{
		Queued:      q.stats.queued.Load(),
		Delivered:   q.stats.delivered.Load(),
		Suppressed:  q.stats.suppressed.Load(),
		Expired:     q.stats.expired.Load(),
		Exhausted:   q.stats.exhausted.Load(),
		FailedSends: q.stats.failedSends.Load(),
		Depth:       q.Depth(),
	}
}

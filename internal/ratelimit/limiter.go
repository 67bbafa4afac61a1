package ratelimit

import (
	"context"
	"sync"
	"time"

	"notigate/internal/eventbus"
	"notigate/internal/metrics"
	logx "notigate/pkg/logx"
)

const autoBlockReason = "too many rate-limit violations"

// Limiter gates high-frequency user actions with per-(user,operation)
// sliding windows, trust-adjusted limits, and violation-driven auto-blocking.
//
// It is safe for concurrent use. Lock granularity is per logical key: each
// (user, operation) window and each user's violation list is independently
// synchronized, so unrelated users never contend.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	trust  TrustScorer
	exempt ExemptionPolicy
	audit  AuditSink

	wmu     sync.Mutex
	windows map[string]*window // key: userID + "|" + op

	vmu        sync.Mutex
	violations map[string]*violationList // key: userID

	bmu    sync.RWMutex
	blocks map[string]BlockEntry

	stats statCounters

	// now is replaceable in tests.
	now func() time.Time
}

// window holds the request timestamps for one (user, operation) pair.
// The entry lock covers prune+count+decide+append as one unit so two
// concurrent requests cannot both slip past a boundary.
type window struct {
	mu    sync.Mutex
	times []time.Time
}

type violationList struct {
	mu   sync.Mutex
	list []Violation
}

type Option func(*Limiter)

func WithTrustScorer(t TrustScorer) Option    { return func(l *Limiter) { l.trust = t } }
func WithExemptions(e ExemptionPolicy) Option { return func(l *Limiter) { l.exempt = e } }
func WithAuditSink(a AuditSink) Option        { return func(l *Limiter) { l.audit = a } }
func WithBus(b eventbus.Bus) Option           { return func(l *Limiter) { l.bus = b } }

func New(cfg Config, log logx.Logger, opts ...Option) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Limiter{
		cfg:        cfg.withDefaults(),
		log:        log,
		windows:    map[string]*window{},
		violations: map[string]*violationList{},
		blocks:     map[string]BlockEntry{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply swaps the limiter config at runtime.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *Limiter) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// CheckAndRecord decides whether userID may perform op now, recording the
// request on allow and a Violation on deny. Checks run in fixed order;
// the first violated tier wins.
func (l *Limiter) CheckAndRecord(ctx context.Context, userID string, op OperationKind) Decision {
	cfg := l.config()
	now := l.now()

	l.stats.requests.Add(1)
	metrics.AdmissionRequests.Inc()

	// 1. Kill-switch and exemptions: allow with unlimited remaining.
	if !cfg.Enabled {
		l.stats.allowed.Add(1)
		return Decision{Allowed: true, Remaining: -1}
	}
	if l.exempt != nil {
		if ok, err := l.exempt.IsExempt(ctx, userID); err == nil && ok {
			l.stats.allowed.Add(1)
			return Decision{Allowed: true, Remaining: -1}
		}
	}

	// 2. Blocklist: deny while blocked; lazily evict expired entries.
	if until, blocked := l.checkBlock(userID, now); blocked {
		l.stats.denied.Add(1)
		metrics.AdmissionDenied.WithLabelValues(string(TierBlocked)).Inc()
		return Decision{Allowed: false, Tier: TierBlocked, RetryAfter: until.Sub(now)}
	}

	// 3-4. Resolve limits and apply the trust multiplier.
	base := cfg.limitsFor(op)
	mult := l.trustMultiplier(ctx, cfg, userID)
	perMinute := scale(base.PerMinute, mult)
	perHour := scale(base.PerHour, mult)
	perDay := scale(base.PerDay, mult)
	burst := scale(base.BurstThreshold, mult)

	w := l.windowFor(userID, op)
	w.mu.Lock()
	defer w.mu.Unlock()

	// 5. Prune entries older than the day window.
	w.prune(now)

	dayCount := len(w.times)
	hourCount := w.countSince(now.Add(-hourWindow))
	minuteCount := w.countSince(now.Add(-minuteWindow))

	// 6. Burst protection precedes the minute tier.
	if cfg.BurstEnabled && base.BurstProtect {
		burstCount := w.countSince(now.Add(-burstWindow))
		if burstCount >= burst {
			l.deny(ctx, userID, op, TierBurst, burstCount, burst, now, burstWindow)
			return Decision{Allowed: false, Tier: TierBurst, RetryAfter: burstWindow}
		}
	}

	// 7-9. Minute, hour, day tiers in order.
	if minuteCount >= perMinute {
		l.deny(ctx, userID, op, TierMinute, minuteCount, perMinute, now, minuteWindow)
		return Decision{Allowed: false, Tier: TierMinute, RetryAfter: minuteWindow, ResetAt: now.Add(minuteWindow)}
	}
	if hourCount >= perHour {
		l.deny(ctx, userID, op, TierHour, hourCount, perHour, now, hourWindow)
		return Decision{Allowed: false, Tier: TierHour, RetryAfter: hourWindow}
	}
	if dayCount >= perDay {
		l.deny(ctx, userID, op, TierDay, dayCount, perDay, now, dayWindow)
		return Decision{Allowed: false, Tier: TierDay, RetryAfter: dayWindow}
	}

	// 10. Admit.
	w.times = append(w.times, now)
	l.stats.allowed.Add(1)
	return Decision{Allowed: true, Remaining: perMinute - minuteCount - 1}
}

func (l *Limiter) trustMultiplier(ctx context.Context, cfg Config, userID string) float64 {
	if !cfg.TrustEnabled || l.trust == nil {
		return cfg.FallbackMultiplier
	}
	tctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	m, err := l.trust.RateLimitMultiplier(tctx, userID)
	if err != nil || m < 0 {
		if err != nil {
			l.log.Debug("trust lookup failed; using fallback multiplier", logx.String("user", userID), logx.Err(err))
		}
		return cfg.FallbackMultiplier
	}
	return m
}

func (l *Limiter) deny(ctx context.Context, userID string, op OperationKind, tier Tier, observed, limit int, now time.Time, retryAfter time.Duration) {
	l.stats.denied.Add(1)
	l.stats.violations.Add(1)
	metrics.AdmissionDenied.WithLabelValues(string(tier)).Inc()

	v := Violation{
		UserID:     userID,
		Op:         op,
		Tier:       tier,
		Observed:   observed,
		Limit:      limit,
		At:         now,
		RetryAfter: retryAfter,
	}
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: "ratelimit.denied", Time: now, Data: v})
	}
	l.recordViolation(ctx, v)
}

// recordViolation appends to the user's rolling 24h violation list and, at
// the auto-block threshold, schedules a block. List mutation and threshold
// evaluation share one lock so concurrent denials cannot double-trigger.
func (l *Limiter) recordViolation(ctx context.Context, v Violation) {
	cfg := l.config()

	vl := l.violationsFor(v.UserID)
	vl.mu.Lock()
	cutoff := v.At.Add(-dayWindow)
	kept := vl.list[:0]
	for _, pv := range vl.list {
		if pv.At.After(cutoff) {
			kept = append(kept, pv)
		}
	}
	vl.list = append(kept, v)

	trigger := cfg.AutoBlockEnabled && len(vl.list) >= cfg.AutoBlockThreshold
	if trigger {
		// Consume the window so the block fires exactly once per threshold.
		vl.list = vl.list[:0]
	}
	vl.mu.Unlock()

	if !trigger {
		return
	}

	// Blocking must never delay the caller's request path.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("auto-block panicked", logx.String("user", v.UserID), logx.Any("panic", r))
			}
		}()
		l.Block(context.WithoutCancel(ctx), v.UserID, cfg.AutoBlockDuration, autoBlockReason)
		l.log.Warn("user auto-blocked",
			logx.String("user", v.UserID),
			logx.Duration("duration", cfg.AutoBlockDuration),
			logx.Int("threshold", cfg.AutoBlockThreshold))
	}()
}

// Block places (or extends) a manual or automatic block. Idempotent.
func (l *Limiter) Block(ctx context.Context, userID string, d time.Duration, reason string) {
	until := l.now().Add(d)
	entry := BlockEntry{UserID: userID, Until: until, Reason: reason}

	l.bmu.Lock()
	l.blocks[userID] = entry
	l.bmu.Unlock()

	l.stats.blocks.Add(1)
	metrics.AdmissionBlocks.Inc()

	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: "ratelimit.blocked", Data: entry})
	}
	if l.audit != nil {
		actx, cancel := context.WithTimeout(ctx, time.Second)
		if err := l.audit.AuditBlock(actx, userID, "block", reason, until); err != nil {
			l.log.Debug("block audit write failed", logx.String("user", userID), logx.Err(err))
		}
		cancel()
	}
}

// Unblock removes any block for userID. Idempotent.
func (l *Limiter) Unblock(ctx context.Context, userID string) {
	l.bmu.Lock()
	_, had := l.blocks[userID]
	delete(l.blocks, userID)
	l.bmu.Unlock()

	if !had {
		return
	}
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: "ratelimit.unblocked", Data: userID})
	}
	if l.audit != nil {
		actx, cancel := context.WithTimeout(ctx, time.Second)
		_ = l.audit.AuditBlock(actx, userID, "unblock", "", time.Time{})
		cancel()
	}
}

// IsBlocked reports whether userID is currently blocked, lazily evicting an
// expired entry.
func (l *Limiter) IsBlocked(userID string) bool {
	_, blocked := l.checkBlock(userID, l.now())
	return blocked
}

// BlockedUntil returns the block deadline, or a zero time when not blocked.
func (l *Limiter) BlockedUntil(userID string) time.Time {
	now := l.now()
	until, blocked := l.checkBlock(userID, now)
	if !blocked {
		return time.Time{}
	}
	return until
}

func (l *Limiter) checkBlock(userID string, now time.Time) (time.Time, bool) {
	l.bmu.RLock()
	entry, ok := l.blocks[userID]
	l.bmu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if entry.Until.After(now) {
		return entry.Until, true
	}
	// Lazy eviction. Re-check under the write lock; a concurrent Block may
	// have replaced the entry.
	l.bmu.Lock()
	if cur, ok := l.blocks[userID]; ok && !cur.Until.After(now) {
		delete(l.blocks, userID)
	}
	l.bmu.Unlock()
	return time.Time{}, false
}

// ResetLimits clears all recorded state for userID: windows, violations,
// and any block. Synchronous and idempotent.
func (l *Limiter) ResetLimits(ctx context.Context, userID string) {
	prefix := userID + "|"
	l.wmu.Lock()
	for k := range l.windows {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(l.windows, k)
		}
	}
	l.wmu.Unlock()

	l.vmu.Lock()
	delete(l.violations, userID)
	l.vmu.Unlock()

	l.Unblock(ctx, userID)
}

// ViolationCount returns the user's violation count within the rolling 24h
// window (observability).
func (l *Limiter) ViolationCount(userID string) int {
	vl := l.violationsFor(userID)
	vl.mu.Lock()
	defer vl.mu.Unlock()
	cutoff := l.now().Add(-dayWindow)
	n := 0
	for _, v := range vl.list {
		if v.At.After(cutoff) {
			n++
		}
	}
	return n
}

func (l *Limiter) windowFor(userID string, op OperationKind) *window {
	key := userID + "|" + string(op)
	l.wmu.Lock()
	w := l.windows[key]
	if w == nil {
		w = &window{}
		l.windows[key] = w
	}
	l.wmu.Unlock()
	return w
}

func (l *Limiter) violationsFor(userID string) *violationList {
	l.vmu.Lock()
	vl := l.violations[userID]
	if vl == nil {
		vl = &violationList{}
		l.violations[userID] = vl
	}
	l.vmu.Unlock()
	return vl
}

// Sweep drops empty windows, stale violation lists and expired blocks.
// Called from the hourly maintenance pass; correctness does not depend on
// it (eviction is lazy).
func (l *Limiter) Sweep() {
	now := l.now()

	l.wmu.Lock()
	for k, w := range l.windows {
		w.mu.Lock()
		w.prune(now)
		empty := len(w.times) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, k)
		}
	}
	l.wmu.Unlock()

	// Violation lists are otherwise pruned only when the user violates
	// again, so a user who stopped would keep theirs forever.
	l.vmu.Lock()
	cutoff := now.Add(-dayWindow)
	for k, vl := range l.violations {
		vl.mu.Lock()
		kept := vl.list[:0]
		for _, v := range vl.list {
			if v.At.After(cutoff) {
				kept = append(kept, v)
			}
		}
		vl.list = kept
		empty := len(vl.list) == 0
		vl.mu.Unlock()
		if empty {
			delete(l.violations, k)
		}
	}
	l.vmu.Unlock()

	l.bmu.Lock()
	for k, e := range l.blocks {
		if !e.Until.After(now) {
			delete(l.blocks, k)
		}
	}
	l.bmu.Unlock()
}

// prune drops timestamps older than the day window. Caller holds w.mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-dayWindow)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// countSince counts entries at or after the cutoff. Caller holds w.mu.
// Timestamps are appended in order, so scan from the tail.
func (w *window) countSince(cutoff time.Time) int {
	n := 0
	for i := len(w.times) - 1; i >= 0; i-- {
		if w.times[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

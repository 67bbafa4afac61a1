package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notigate/internal/metrics"
	logx "notigate/pkg/logx"
)

type Config struct {
	SendTimeout time.Duration // per-provider send bound
	RatePerSec  int           // outbound pacing across all providers
	ProbeEvery  time.Duration // health re-probe interval
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.ProbeEvery <= 0 {
		c.ProbeEvery = time.Minute
	}
	return c
}

// Router tries the last-successful ("active") provider first, falling back
// through the remaining providers in priority order, and short-circuits on
// the first confirmed delivery.
//
// The provider list is read-mostly; status is swapped wholesale so senders
// never observe a half-updated table.
type Router struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	prefs   Preferences
	limiter *rate.Limiter

	providers []Provider   // immutable after New
	active    atomic.Int32 // index of the last successful provider
	status    atomic.Value // stores map[string]Status
}

type RouterOption func(*Router)

func WithPreferences(p Preferences) RouterOption {
	return func(r *Router) { r.prefs = p }
}

func NewRouter(cfg Config, providers []Provider, log logx.Logger, opts ...RouterOption) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:       cfg,
		log:       log,
		providers: providers,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	for _, o := range opts {
		o(r)
	}

	// Providers start optimistically available; the first probe corrects.
	st := make(map[string]Status, len(providers))
	now := time.Now()
	for _, p := range providers {
		st[p.Name()] = Status{Name: p.Name(), Available: true, LastChecked: now}
	}
	r.status.Store(st)
	return r
}

func (r *Router) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	r.mu.Unlock()
}

func (r *Router) snapshot() (Config, *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.limiter
}

// Statuses returns the current provider health table.
func (r *Router) Statuses() []Status {
	m, _ := r.status.Load().(map[string]Status)
	out := make([]Status, 0, len(m))
	for _, p := range r.providers {
		if st, ok := m[p.Name()]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (r *Router) available(name string) bool {
	m, _ := r.status.Load().(map[string]Status)
	st, ok := m[name]
	return ok && st.Available
}

// setStatus swaps in a new status table with one entry replaced.
func (r *Router) setStatus(name string, avail bool, errStr string) {
	old, _ := r.status.Load().(map[string]Status)
	next := make(map[string]Status, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[name] = Status{Name: name, Available: avail, LastChecked: time.Now(), LastError: errStr}
	r.status.Store(next)
}

// Send attempts delivery through the provider chain, active provider first.
// Returns nil on the first confirmed delivery; a PermanentError when the
// recipient can never be reached this way; ErrNoProvider (or the last
// transient error) when everything failed.
func (r *Router) Send(ctx context.Context, userID, title, body string, data map[string]string) error {
	if len(r.providers) == 0 {
		return ErrNoProvider
	}

	cfg, lim := r.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	order := r.tryOrder()
	var lastErr error
	tried := 0
	for _, idx := range order {
		p := r.providers[idx]
		if !r.available(p.Name()) {
			continue
		}
		tried++

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := p.Send(sctx, userID, title, body, data)
		cancel()

		if err == nil {
			r.active.Store(int32(idx))
			metrics.ProviderSends.WithLabelValues(p.Name(), "ok").Inc()
			return nil
		}
		if errors.Is(err, ErrRecipientUnreachable) {
			// No route via this provider only; try the next one without
			// touching its health record.
			metrics.ProviderSends.WithLabelValues(p.Name(), "unreachable").Inc()
			lastErr = err
			continue
		}
		if IsPermanent(err) {
			// Per-recipient failure: the provider itself stays healthy.
			metrics.ProviderSends.WithLabelValues(p.Name(), "permanent").Inc()
			r.log.Warn("permanent delivery failure",
				logx.String("provider", p.Name()), logx.String("user", userID), logx.Err(err))
			return err
		}

		metrics.ProviderSends.WithLabelValues(p.Name(), "transient").Inc()
		r.setStatus(p.Name(), false, err.Error())
		r.log.Debug("provider send failed; falling back",
			logx.String("provider", p.Name()), logx.String("user", userID), logx.Err(err))
		lastErr = err
	}

	if tried == 0 || lastErr == nil {
		return ErrNoProvider
	}
	return lastErr
}

// tryOrder yields provider indices: active first, then priority order.
func (r *Router) tryOrder() []int {
	n := len(r.providers)
	act := int(r.active.Load())
	if act < 0 || act >= n {
		act = 0
	}
	order := make([]int, 0, n)
	order = append(order, act)
	for i := 0; i < n; i++ {
		if i != act {
			order = append(order, i)
		}
	}
	return order
}

// SendWithPreferences consults the preferences collaborator before touching
// any provider. Returns ErrVetoed when preferences suppress delivery;
// lookup failures fail open (delivery proceeds).
func (r *Router) SendWithPreferences(ctx context.Context, userID, kind, title, body string, data map[string]string) error {
	if r.prefs != nil {
		if ok, err := r.prefs.ShouldSend(ctx, userID, kind); err == nil && !ok {
			return ErrVetoed
		}
		if quiet, err := r.prefs.InQuietHours(ctx, userID); err == nil && quiet {
			return ErrVetoed
		}
		if capped, err := r.prefs.ReachedFrequencyCap(ctx, userID); err == nil && capped {
			return ErrVetoed
		}
	}
	return r.Send(ctx, userID, title, body, data)
}

// SendToMany fans out per-user sends. One user's failure does not affect
// the others; the per-user errors are returned keyed by user ID.
func (r *Router) SendToMany(ctx context.Context, userIDs []string, title, body string, data map[string]string) map[string]error {
	failed := map[string]error{}
	for _, uid := range userIDs {
		if ctx.Err() != nil {
			failed[uid] = ctx.Err()
			continue
		}
		if err := r.Send(ctx, uid, title, body, data); err != nil {
			failed[uid] = err
		}
	}
	return failed
}

// RefreshProviderStatus re-probes every provider and swaps in a fresh
// status table. Safe to call concurrently with sends.
func (r *Router) RefreshProviderStatus(ctx context.Context) {
	cfg, _ := r.snapshot()
	next := make(map[string]Status, len(r.providers))
	for _, p := range r.providers {
		pctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		avail := p.IsAvailable(pctx)
		cancel()
		next[p.Name()] = Status{Name: p.Name(), Available: avail, LastChecked: time.Now()}
		if !avail {
			r.log.Debug("provider unavailable", logx.String("provider", p.Name()))
		}
	}
	r.status.Store(next)
}

// Run re-probes provider health on the configured interval until ctx is
// canceled. Intended to run under the app supervisor.
func (r *Router) Run(ctx context.Context) error {
	for {
		cfg, _ := r.snapshot()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.ProbeEvery):
			r.RefreshProviderStatus(ctx)
		}
	}
}

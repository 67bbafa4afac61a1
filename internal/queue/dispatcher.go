package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notigate/internal/presence"
	logx "notigate/pkg/logx"
)

type DispatcherConfig struct {
	Tick      time.Duration // retry scan interval, default 30s
	SweepSpec string        // maintenance schedule, default "@hourly"

	// PresenceRetention bounds how long idle connectivity records are kept.
	PresenceRetention time.Duration // default 24h

	DrainTimeout time.Duration // per-user drain bound, default 1m
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@hourly"
	}
	if c.PresenceRetention <= 0 {
		c.PresenceRetention = 24 * time.Hour
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = time.Minute
	}
	return c
}

// Dispatcher owns the retry tick and the maintenance sweep, and drains a
// user's backlog the moment they come online.
type Dispatcher struct {
	mu  sync.Mutex
	cfg DispatcherConfig

	q       *Queue
	tracker *presence.Tracker
	log     logx.Logger

	c       *cron.Cron
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, q *Queue, tracker *presence.Tracker, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg.withDefaults(), q: q, tracker: tracker, log: log}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return nil
	}
	d.baseCtx = ctx

	d.tracker.SetOnOnline(func(userID string) {
		d.drainAsync(userID)
	})

	if err := d.startCronLocked(); err != nil {
		return err
	}
	d.log.Info("dispatcher started",
		logx.Duration("tick", d.cfg.Tick), logx.String("sweep", d.cfg.SweepSpec))
	return nil
}

func (d *Dispatcher) startCronLocked() error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Tick), d.tick); err != nil {
		return err
	}
	if _, err := c.AddFunc(d.cfg.SweepSpec, d.sweep); err != nil {
		return err
	}
	c.Start()
	d.c = c
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.c
	d.c = nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out waiting for drains")
	}
	d.log.Info("dispatcher stopped")
}

// Apply swaps schedules; a changed tick or sweep spec restarts the cron.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	restart := d.c != nil && (cfg.Tick != d.cfg.Tick || cfg.SweepSpec != d.cfg.SweepSpec)
	d.cfg = cfg
	if restart {
		<-d.c.Stop().Done()
		if err := d.startCronLocked(); err != nil {
			d.log.Error("dispatcher restart failed", logx.Err(err))
		}
	}
}

// tick retries everything due for users who are currently reachable.
func (d *Dispatcher) tick() {
	for _, uid := range d.q.UsersWithDue() {
		if !d.tracker.IsOnline(uid) {
			continue
		}
		d.drainAsync(uid)
	}
}

func (d *Dispatcher) sweep() {
	d.mu.Lock()
	retention := d.cfg.PresenceRetention
	ctx := d.baseCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	dropped := d.q.Sweep(ctx)
	pruned := d.tracker.PruneIdle(retention)
	if dropped > 0 || pruned > 0 {
		d.log.Info("maintenance sweep",
			logx.Int("expired", dropped), logx.Int("presence_pruned", pruned))
	}
}

// drainAsync runs one user's drain in its own goroutine. Overlapping
// drains for the same user coalesce inside the queue.
func (d *Dispatcher) drainAsync(userID string) {
	d.mu.Lock()
	base := d.baseCtx
	timeout := d.cfg.DrainTimeout
	d.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("drain panicked", logx.String("user", userID), logx.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		d.q.DrainUser(ctx, userID)
	}()
}

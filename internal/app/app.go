// Package app wires the admission limiter, presence tracker, delivery
// router and offline queue into one process with config hot reload.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notigate/internal/config"
	"notigate/internal/delivery"
	"notigate/internal/delivery/socket"
	"notigate/internal/delivery/telegram"
	"notigate/internal/eventbus"
	"notigate/internal/metrics"
	"notigate/internal/presence"
	"notigate/internal/queue"
	"notigate/internal/ratelimit"
	"notigate/internal/runtime/supervisor"
	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

// RoleResolver looks up a user's roles for exemption checks.
type RoleResolver func(ctx context.Context, userID string) ([]string, error)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tracker *presence.Tracker
	hub     *socket.Hub
	sockSrv *socket.Server

	router  *delivery.Router
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	disp    *queue.Dispatcher

	exemption *roleExemption

	metricsEnabled bool
	metricsAddr    string
}

// Collector registration is process-wide; guard against repeated Start.
var metricsOnce sync.Once

type Option func(*options)

type options struct {
	trust     ratelimit.TrustScorer
	exempt    ratelimit.ExemptionPolicy
	roles     RoleResolver
	prefs     delivery.Preferences
	providers []delivery.Provider
}

// WithTrustScorer injects the external trust-scoring collaborator.
func WithTrustScorer(t ratelimit.TrustScorer) Option {
	return func(o *options) { o.trust = t }
}

// WithExemptions overrides the role-based exemption policy entirely.
func WithExemptions(e ratelimit.ExemptionPolicy) Option {
	return func(o *options) { o.exempt = e }
}

// WithRoleResolver enables role-based exemptions against the configured
// exempt role list.
func WithRoleResolver(r RoleResolver) Option {
	return func(o *options) { o.roles = r }
}

// WithPreferences injects the notification-preferences collaborator.
func WithPreferences(p delivery.Preferences) Option {
	return func(o *options) { o.prefs = p }
}

// WithProviders prepends delivery gateways ahead of the built-in socket
// and Telegram ones.
func WithProviders(ps ...delivery.Provider) Option {
	return func(o *options) { o.providers = append(o.providers, ps...) }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tracker := presence.New(log.With(logx.String("comp", "presence")))

	// Delivery gateways in priority order: injected ones first, then the
	// realtime socket, then Telegram.
	providers := append([]delivery.Provider(nil), o.providers...)

	var (
		hub     *socket.Hub
		sockSrv *socket.Server
	)
	if cfg.Socket != nil && cfg.Socket.Enabled {
		addr := cfg.Socket.Addr
		if addr == "" {
			addr = "127.0.0.1:8844"
		}
		hub = socket.NewHub()
		sockSrv = socket.NewServer(socket.ServerConfig{Addr: addr}, hub, tracker,
			log.With(logx.String("comp", "socket")))
		providers = append(providers, socket.NewProvider(hub, log.With(logx.String("comp", "socket"))))
	}

	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			ChatIDs:     cfg.Telegram.ChatIDs,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		providers = append(providers, tg)
	}

	dcfg, err := mapDelivery(cfg)
	if err != nil {
		return nil, err
	}
	var ropts []delivery.RouterOption
	if o.prefs != nil {
		ropts = append(ropts, delivery.WithPreferences(o.prefs))
	}
	router := delivery.NewRouter(dcfg, providers, log.With(logx.String("comp", "delivery")), ropts...)

	rlcfg, err := mapRateLimit(cfg)
	if err != nil {
		return nil, err
	}
	exemption := &roleExemption{resolve: o.roles}
	exemption.Apply(cfg.RateLimit.ExemptRoles)

	lopts := []ratelimit.Option{ratelimit.WithBus(bus)}
	if o.trust != nil {
		lopts = append(lopts, ratelimit.WithTrustScorer(o.trust))
	}
	switch {
	case o.exempt != nil:
		lopts = append(lopts, ratelimit.WithExemptions(o.exempt))
	case o.roles != nil:
		lopts = append(lopts, ratelimit.WithExemptions(exemption))
	}
	if store != nil {
		lopts = append(lopts, ratelimit.WithAuditSink(store))
	}
	limiter := ratelimit.New(rlcfg, log.With(logx.String("comp", "ratelimit")), lopts...)

	qcfg, dispCfg, err := mapQueue(cfg)
	if err != nil {
		return nil, err
	}
	var qopts []queue.Option
	if store != nil {
		qopts = append(qopts, queue.WithStore(store))
	}
	qopts = append(qopts, queue.WithBus(bus))
	q := queue.New(qcfg, router, tracker, log.With(logx.String("comp", "queue")), qopts...)
	disp := queue.NewDispatcher(dispCfg, q, tracker, log.With(logx.String("comp", "dispatcher")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		tracker:   tracker,
		hub:       hub,
		sockSrv:   sockSrv,
		router:    router,
		limiter:   limiter,
		queue:     q,
		disp:      disp,
		exemption: exemption,
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.metricsEnabled = true
		a.metricsAddr = cfg.Metrics.Addr
		if a.metricsAddr == "" {
			a.metricsAddr = "127.0.0.1:9215"
		}
	}
	return a, nil
}

// Accessors for embedding callers.
func (a *App) Limiter() *ratelimit.Limiter { return a.limiter }
func (a *App) Queue() *queue.Queue         { return a.queue }
func (a *App) Tracker() *presence.Tracker  { return a.tracker }
func (a *App) Router() *delivery.Router    { return a.router }
func (a *App) Bus() eventbus.Bus           { return a.bus }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapRateLimit(cfg); err != nil {
			return err
		}
		if _, _, err := mapQueue(cfg); err != nil {
			return err
		}
		if _, err := mapDelivery(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorage(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.store != nil {
		if err := a.queue.Restore(a.sup.Context()); err != nil {
			a.log.Warn("restore pending notifications failed", logx.Err(err))
		}
	}

	if a.sockSrv != nil {
		a.sup.Go("socket.listen", a.sockSrv.Run)
	}
	a.sup.Go("delivery.probe", a.router.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}

	// Limiter housekeeping runs beside the queue's hourly sweep.
	a.sup.Go0("ratelimit.sweep", func(c context.Context) {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.limiter.Sweep()
			}
		}
	})

	if a.metricsEnabled {
		metricsOnce.Do(metrics.Register)
		a.sup.Go("metrics.listen", a.serveMetrics)
	}

	a.watchConfig()

	a.log.Info("started")
	return nil
}

// watchConfig fans reloaded configs out to every running component.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg))

	if rlcfg, err := mapRateLimit(cfg); err == nil {
		a.limiter.Apply(rlcfg)
		a.exemption.Apply(cfg.RateLimit.ExemptRoles)
	} else {
		a.log.Warn("invalid ratelimit config; keeping previous", logx.Err(err))
	}

	if dcfg, err := mapDelivery(cfg); err == nil {
		a.router.Apply(dcfg)
	} else {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	}

	if qcfg, dispCfg, err := mapQueue(cfg); err == nil {
		a.queue.Apply(qcfg)
		a.disp.Apply(dispCfg)
	} else {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	}

	a.log.Info("config applied")
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		online, tracked := a.tracker.Counts()
		out := map[string]any{
			"ratelimit": a.limiter.Snapshot(),
			"queue":     a.queue.Snapshot(),
			"presence": map[string]int{
				"online":  online,
				"tracked": tracked,
			},
			"providers": a.router.Statuses(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := &http.Server{
		Addr:              a.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	a.log.Info("metrics listening", logx.String("addr", a.metricsAddr))
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) Stop(ctx context.Context) error {
	// Stop intake and ticks first so in-flight drains can finish, then the
	// supervised goroutines, then the durable store.
	a.disp.Stop(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	a.log.Info("stopped")
	return err
}

// roleExemption grants rate-limit bypass to users holding one of the
// configured roles. The role lookup is external; lookup failures mean
// "not exempt".
type roleExemption struct {
	mu      sync.RWMutex
	roles   map[string]struct{}
	resolve RoleResolver
}

func (r *roleExemption) Apply(roles []string) {
	next := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		next[role] = struct{}{}
	}
	r.mu.Lock()
	r.roles = next
	r.mu.Unlock()
}

func (r *roleExemption) IsExempt(ctx context.Context, userID string) (bool, error) {
	if r.resolve == nil {
		return false, nil
	}
	roles, err := r.resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range roles {
		if _, ok := r.roles[role]; ok {
			return true, nil
		}
	}
	return false, nil
}

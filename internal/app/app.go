// Package app wires the switchboard subsystems into a running server.
//
// The App owns the full lifecycle: New builds the orchestrator, the
// telemetry sinks and the HTTP routes, Run serves Twilio media streams and
// RTP sessions, and Shutdown drains the running calls and tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithSink,
// WithMetrics, WithListener, etc.). When an option is not provided, New
// uses the process-wide defaults.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/health"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/observe/pgsink"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/pkg/audio/rtp"
)

const readHeaderTimeout = 10 * time.Second

// snapshot pairs a config with the providers built from it. New calls start
// from the current snapshot; a reload swaps it atomically.
type snapshot struct {
	cfg       *config.Config
	providers *Providers
}

func (s *snapshot) callConfig() pipeline.CallConfig {
	cc := s.cfg.CallConfig()
	ad := s.providers.Adapters()
	cc.Adapters = &ad
	return cc
}

// App owns all subsystem lifetimes of the switchboard server.
type App struct {
	// boot is the config the process started with. Keys that need a
	// restart are always read from it.
	boot    *config.Config
	current atomic.Pointer[snapshot]
	// reloadMu serialises Reload.
	reloadMu sync.Mutex

	reg            *config.Registry
	metrics        *observe.Metrics
	metricsHandler http.Handler
	extraSinks     []observe.Sink
	level          *slog.LevelVar
	log            *slog.Logger

	orch     *pipeline.Orchestrator
	health   *health.Handler
	server   *http.Server
	listener net.Listener
	rtp      *rtp.Listener

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the registry Reload uses to rebuild providers. Without
// one, provider changes in a reloaded config are ignored.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: the handler of
// the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithSink adds a telemetry sink next to the log and metrics sinks.
func WithSink(s observe.Sink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, s) }
}

// WithLevelVar lets Reload change the log level of the handler built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves HTTP on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving calls with providers. The providers come from
// main.go (built via [BuildProviders]). New binds the RTP socket when one is
// configured; the HTTP listener is opened by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil || providers == nil {
		return nil, errors.New("app: config and providers are required")
	}
	a := &App{boot: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	a.current.Store(&snapshot{cfg: cfg, providers: providers})

	// ── 1. Telemetry sinks ───────────────────────────────────────────────
	sinks := []observe.Sink{observe.NewLogSink(a.log), observe.NewMetricsSink(a.metrics)}
	if tc := cfg.Telemetry; tc.PostgresDSN != "" {
		pg, err := pgsink.Open(ctx, tc.PostgresDSN,
			pgsink.WithBufferSize(tc.BufferSize),
			pgsink.WithBatchSize(tc.BatchSize),
			pgsink.WithFlushInterval(tc.FlushInterval),
			pgsink.WithMetrics(a.metrics),
			pgsink.WithLogger(a.log),
		)
		if err != nil {
			return nil, fmt.Errorf("app: open telemetry store: %w", err)
		}
		sinks = append(sinks, pg)
		a.closers = append(a.closers, pg.Close)
	}
	sinks = append(sinks, a.extraSinks...)

	// ── 2. Orchestrator ──────────────────────────────────────────────────
	orch, err := pipeline.New(providers.Adapters(),
		pipeline.WithSink(observe.Multi(sinks...)),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithMaxCalls(cfg.Server.MaxCalls),
		pipeline.WithLogger(a.log),
	)
	if err != nil {
		a.runClosers(ctx)
		return nil, fmt.Errorf("app: %w", err)
	}
	a.orch = orch

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New([]health.Checker{
		health.Available("stt", a.healthy("stt")),
		health.Available("llm", a.healthy("llm")),
		health.Available("tts", a.healthy("tts")),
		health.Capacity(orch.Active, func() int { return a.snapshot().cfg.Server.MaxCalls }),
	}, health.WithActiveCalls(orch.Active))

	// ── 4. HTTP routes ───────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Media.MediaPath, a.handleTwilio)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// ── 5. RTP ───────────────────────────────────────────────────────────
	if addr := cfg.Media.RTPListenAddr; addr != "" {
		l, err := rtp.Listen(addr, rtp.WithMaxGap(cfg.Media.MaxGap))
		if err != nil {
			a.runClosers(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
		a.rtp = l
	}

	return a, nil
}

// Handler returns the HTTP handler serving the media stream, health and
// metrics routes.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ActiveCalls returns the number of running calls.
func (a *App) ActiveCalls() int { return a.orch.Active() }

// RTPAddr returns the bound RTP address, or nil when RTP is disabled.
func (a *App) RTPAddr() net.Addr {
	if a.rtp == nil {
		return nil
	}
	return a.rtp.Addr()
}

func (a *App) snapshot() *snapshot { return a.current.Load() }

func (a *App) healthy(kind string) func() bool {
	return func() bool { return a.snapshot().providers.Healthy(kind) }
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and accepts RTP sessions until ctx is cancelled or a
// listener fails. It does not stop running calls; call Shutdown for that.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.boot.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		var err error
		if tls := a.boot.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app: serve: %w", err)
		}
	}()
	a.log.Info("app: serving", "addr", ln.Addr().String(), "media_path", a.boot.Media.MediaPath, "tls", a.boot.Server.TLS != nil)

	if a.rtp != nil {
		go func() {
			if err := a.acceptRTP(ctx); err != nil {
				errCh <- err
			}
		}()
		a.log.Info("app: accepting rtp", "addr", a.rtp.Addr().String())
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed config. Running calls keep the snapshot they
// started with; new calls use updated. It is the callback for
// [config.NewWatcher].
func (a *App) Reload(old, updated *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, updated)
	if !d.Changed() {
		return
	}
	cur := a.snapshot()
	next := &snapshot{cfg: updated, providers: cur.providers}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
	}
	if d.MaxCallsChanged {
		a.orch.SetMaxCalls(updated.Server.MaxCalls)
	}
	if d.ProvidersChanged {
		p, err := a.rebuildProviders(updated)
		if err != nil {
			a.log.Error("app: provider reload failed, keeping current providers", "err", err)
			keep := *updated
			keep.Providers = cur.cfg.Providers
			next.cfg = &keep
		} else {
			next.providers = p
		}
	}
	a.current.Store(next)

	a.log.Info("app: config reloaded",
		"log_level", d.LogLevelChanged,
		"gate", d.GateChanged,
		"turn", d.TurnChanged,
		"media", d.MediaChanged,
		"providers", d.ProvidersChanged,
		"max_calls", d.MaxCallsChanged,
	)
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: changes take effect after restart", "keys", d.RestartRequired)
	}
}

func (a *App) rebuildProviders(cfg *config.Config) (*Providers, error) {
	if a.reg == nil {
		return nil, errors.New("app: no provider registry")
	}
	return BuildProviders(cfg, a.reg, a.metrics)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting media streams and
// RTP sessions, ends every running call and runs the closers. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "active_calls", a.orch.Active(), "closers", len(a.closers))
		a.health.SetDraining()

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.rtp != nil {
			if err := a.rtp.Close(); err != nil {
				a.log.Warn("app: rtp close error", "err", err)
			}
		}
		if err := a.runClosers(ctx); err != nil {
			errs = append(errs, err)
		}
		a.shutdownErr = errors.Join(errs...)
		a.log.Info("app: shutdown complete")
	})
	return a.shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		if err := ctx.Err(); err != nil {
			a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return err
		}
		if err := closer(ctx); err != nil {
			a.log.Warn("app: closer error", "index", i, "err", err)
		}
	}
	return nil
}

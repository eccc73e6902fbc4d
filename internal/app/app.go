// Package app wires the parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the scenario source,
// the transcriber fallback chain, the token verifier and the live session
// manager; Run serves HTTP until the context is cancelled; Shutdown drains
// live connections and tears everything down in order.
//
// For testing, inject doubles via functional options (WithScenarioSource,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
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

	"github.com/MrWong99/parley/internal/auth"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/live"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/scenario"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// LivePath is where the live WebSocket endpoint is mounted.
const LivePath = "/ws/live"

const defaultShutdownTimeout = 15 * time.Second

// NamedTranscriber is a transcription backend with the name used in logs,
// metrics and breaker state.
type NamedTranscriber struct {
	Name string
	stt.Transcriber
}

// Providers holds the transcription backends built by main via the config
// registry. Primary is required; Fallbacks are tried in order.
type Providers struct {
	Primary   NamedTranscriber
	Fallbacks []NamedTranscriber
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	scenarios   scenario.Source
	pinger      health.Pinger
	transcriber *resilience.TranscriberFallback
	verifier    live.TokenVerifier
	manager     *live.Manager
	handler     http.Handler
	server      *http.Server
	listener    net.Listener

	draining atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithScenarioSource injects a scenario source instead of building one from
// config.Scenarios.
func WithScenarioSource(src scenario.Source) Option {
	return func(a *App) { a.scenarios = src }
}

// WithVerifier injects a token verifier instead of building one from
// config.Auth.
func WithVerifier(v live.TokenVerifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets hot reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithListener serves on l instead of listening on config.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Primary.Transcriber == nil {
		return nil, errors.New("app: a primary transcriber is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Scenario source ───────────────────────────────────────────────
	if err := a.initScenarios(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init scenarios: %w", err)
	}

	// ── 2. Transcriber chain ─────────────────────────────────────────────
	a.initTranscriber()

	// ── 3. Auth ──────────────────────────────────────────────────────────
	if err := a.initAuth(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init auth: %w", err)
	}

	// ── 4. Live manager + HTTP ───────────────────────────────────────────
	a.initLive()
	a.initHTTP()

	return a, nil
}

// initScenarios builds the configured scenario source unless one was
// injected.
func (a *App) initScenarios(ctx context.Context) error {
	if a.scenarios != nil {
		if p, ok := a.scenarios.(health.Pinger); ok {
			a.pinger = p
		}
		return nil
	}
	rules := Rules(a.cfg.Session)
	sc := a.cfg.Scenarios

	switch sc.Backend {
	case config.ScenariosFiles:
		store, err := scenario.LoadDir(sc.Dir, rules)
		if err != nil {
			return err
		}
		a.scenarios = store
		a.log.Info("scenarios loaded", "dir", sc.Dir, "count", store.Len())

	case config.ScenariosPostgres:
		store, closeFn, err := openPostgresScenarios(ctx, sc.PostgresDSN, rules)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closeFn)
		if sc.ImportDir != "" {
			files, err := scenario.LoadDir(sc.ImportDir, rules)
			if err != nil {
				return err
			}
			if err := store.Import(ctx, files.List()); err != nil {
				return err
			}
			a.log.Info("scenarios imported", "dir", sc.ImportDir, "count", files.Len())
		}
		a.scenarios = store
		a.pinger = store

	default:
		a.log.Info("no scenario backend configured; inits must carry expected responses")
	}
	return nil
}

// initTranscriber wraps the configured backends in a fallback chain with one
// circuit breaker per backend.
func (a *App) initTranscriber() {
	b := a.cfg.Providers.Breaker
	fcfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}}
	p := a.providers
	a.transcriber = resilience.NewTranscriberFallback(p.Primary.Transcriber, p.Primary.Name, fcfg)
	for _, fb := range p.Fallbacks {
		a.transcriber.AddFallback(fb.Name, fb.Transcriber)
	}
}

func (a *App) initAuth() error {
	if a.verifier != nil || !a.cfg.Auth.Enabled() {
		return nil
	}
	v, err := auth.NewVerifier(auth.Config{
		Secret:   []byte(a.cfg.Auth.JWTSecret),
		Issuer:   a.cfg.Auth.Issuer,
		Audience: a.cfg.Auth.Audience,
		Leeway:   a.cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}
	a.verifier = v
	return nil
}

func (a *App) initLive() {
	lcfg := SessionConfig(a.cfg.Session)
	lcfg.Provider = a.providers.Primary.Name

	opts := []live.Option{
		live.WithConfig(lcfg),
		live.WithMetrics(a.metrics),
		live.WithLogger(a.log),
	}
	if a.scenarios != nil {
		opts = append(opts, live.WithScenarios(a.scenarios))
	}
	if a.verifier != nil {
		opts = append(opts, live.WithVerifier(a.verifier))
	}
	a.manager = live.NewManager(a.transcriber, opts...)
}

func (a *App) initHTTP() {
	checks := []health.Checker{
		health.Draining(a.draining.Load),
		health.Breakers("stt", a.transcriber.Breakers()...),
	}
	if a.pinger != nil {
		checks = append(checks, health.Ping("scenarios", a.pinger))
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+LivePath, a.manager.Handler(live.HandlerConfig{
		OriginPatterns: a.cfg.Server.AllowedOrigins,
		ReadLimit:      a.cfg.Server.MaxFrameBytes,
	}))
	mux.Handle("GET /metrics", observe.MetricsHandler())
	health.New(checks...).Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the HTTP handler serving every route. Useful for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the live session manager.
func (a *App) Manager() *live.Manager { return a.manager }

// Run serves HTTP until ctx is cancelled or the server fails. It returns
// ctx.Err() as soon as ctx is done without waiting for the listener to close,
// so the caller can drain live sessions with Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.log.Info("app running", "addr", ln.Addr().String(), "live_path", LivePath)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else if err != nil {
			err = fmt.Errorf("app: serve: %w", err)
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
		a.log.Info("app stopping", "cause", context.Cause(ctx))
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// Shutdown marks the server as draining, closes live connections without
// recording outcomes, stops the HTTP server and runs the closers. It
// respects ctx for the overall deadline and is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.draining.Store(true)
		var errs []error

		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the session tuning for sessions started from now on. Changes
// that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		lcfg := SessionConfig(new.Session)
		lcfg.Provider = a.providers.Primary.Name
		a.manager.SetConfig(lcfg)
		a.log.Info("session settings reloaded",
			"idle_timeout", lcfg.IdleTimeout,
			"full_threshold", lcfg.Thresholds.Full,
			"partial_threshold", lcfg.Thresholds.Partial,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

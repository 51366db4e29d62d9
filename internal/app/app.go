// Package app wires the turnplay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the sink, its circuit
// breaker, the per-turn playback manager and the HTTP surface; Run serves
// until the context is cancelled; Shutdown drains and tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithSink, WithListener,
// WithTurnOptions). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnplay/internal/config"
	"github.com/MrWong99/turnplay/internal/egress"
	"github.com/MrWong99/turnplay/internal/health"
	"github.com/MrWong99/turnplay/internal/ingest"
	"github.com/MrWong99/turnplay/internal/observe"
	"github.com/MrWong99/turnplay/internal/resilience"
	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/adaptive"
	"github.com/MrWong99/turnplay/pkg/audio/jitter"
)

const (
	defaultListenAddr    = ":8080"
	defaultWebSocketPath = "/ws"
	defaultSinkName      = "discard"

	// serverShutdownTimeout bounds the HTTP server's graceful stop in Run.
	serverShutdownTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	sink     audio.FrameSink
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	turns    *TurnManager
	ingest   *ingest.Server
	health   *health.Handler
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	level    *slog.LevelVar
	egress   *egress.Broadcaster
	watcher  *config.Watcher

	watchPath     string
	watchInterval time.Duration
	turnOpts      []TurnManagerOption

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink injects a frame sink instead of creating one via the registry.
func WithSink(s audio.FrameSink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reload change the verbosity of the handler behind v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithEgress serves b at GET /listen and closes it on Shutdown.
func WithEgress(b *egress.Broadcaster) Option {
	return func(a *App) { a.egress = b }
}

// WithConfigWatch polls the config file at path and applies hot-reloadable
// changes while Run is active. A non-positive interval keeps the watcher's
// default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithTurnOptions passes extra options to the [TurnManager].
func WithTurnOptions(opts ...TurnManagerOption) Option {
	return func(a *App) { a.turnOpts = append(a.turnOpts, opts...) }
}

// New creates an App from cfg. Sinks are built through reg unless one is
// injected with [WithSink].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initSink(reg); err != nil {
		return nil, fmt.Errorf("app: init sink: %w", err)
	}
	a.initBreaker()
	a.health = health.New(health.Checker{Name: "sink", Check: a.breaker.Check})

	if err := a.initTurns(); err != nil {
		return nil, fmt.Errorf("app: init turns: %w", err)
	}

	maxMsg := cfg.Ingest.MaxMessageBytes
	if maxMsg <= 0 {
		maxMsg = ingest.DefaultReadLimit
	}
	a.ingest = ingest.NewServer(a.turns,
		ingest.WithReadLimit(maxMsg),
		ingest.WithMetrics(a.metrics),
	)

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	a.handler = a.routes()
	observe.Logger(ctx).Debug("app: initialised",
		"sink", a.sinkName(),
		"mode", a.turns.Defaults().Mode,
	)
	return a, nil
}

func (a *App) sinkName() string {
	if a.cfg.Sink.Name == "" {
		return defaultSinkName
	}
	return a.cfg.Sink.Name
}

func (a *App) initSink(reg *config.Registry) error {
	if a.sink == nil {
		if reg == nil {
			return errors.New("no sink injected and no registry given")
		}
		entry := a.cfg.Sink
		entry.Name = a.sinkName()
		s, err := reg.CreateSink(entry, a.cfg.Audio.Format())
		if err != nil {
			return err
		}
		a.sink = s
	}
	if c, ok := a.sink.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

func (a *App) initBreaker() {
	cb := a.cfg.Sink.CircuitBreaker
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "sink/" + a.sinkName(),
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		HalfOpenMax:  cb.HalfOpenMax,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("app: sink circuit breaker changed state", "from", from.String(), "to", to.String())
			a.metrics.RecordBreakerTransition(context.Background(), to.String())
		},
	})
}

func (a *App) initTurns() error {
	opts := []TurnManagerOption{
		WithTurnMetrics(a.metrics),
		WithDirectGuard(a.breaker.Guard()),
		WithFinishedMemory(a.cfg.Policy.FinishedTurnMemory),
		WithTurnBufferOptions(
			jitter.WithFormat(a.cfg.Audio.Format()),
			jitter.WithSinkGuard(a.breaker.Guard()),
		),
	}
	if enc := a.cfg.Audio.Encoding; enc != "" {
		opts = append(opts, WithDefaultEncoding(enc))
	}
	opts = append(opts, a.turnOpts...)

	tm, err := NewTurnManager(a.sink, policyDefaults(a.cfg), opts...)
	if err != nil {
		return err
	}
	a.turns = tm
	return nil
}

// policyDefaults derives the per-turn settings from cfg.
func policyDefaults(cfg *config.Config) PolicyDefaults {
	mode := cfg.Policy.Mode
	if mode == "" {
		mode = adaptive.ModeBalanced
	}
	return PolicyDefaults{
		Mode:               mode,
		Network:            cfg.Policy.Network.Conditions(),
		Thresholds:         cfg.Policy.Thresholds.Thresholds(),
		Buffer:             cfg.Buffer.Jitter(),
		FillWait:           cfg.Buffer.FillWait,
		AdjustEvery:        cfg.Buffer.AdjustEvery,
		InterruptOnNewTurn: cfg.Policy.InterruptOnNewTurn,
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)

	wsPath := a.cfg.Ingest.WebSocketPath
	if wsPath == "" {
		wsPath = defaultWebSocketPath
	}
	a.ingest.Register(mux, wsPath)

	if a.egress != nil {
		mux.HandleFunc("GET /listen", a.egress.ServeWS)
	}

	mux.HandleFunc("GET /turns", a.listTurns)
	mux.HandleFunc("DELETE /turns/{id}", a.endTurn)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) listTurns(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Turns []TurnStatus `json:"turns"`
	}{Turns: a.turns.Snapshot()})
}

func (a *App) endTurn(w http.ResponseWriter, r *http.Request) {
	if !a.turns.EndTurn(r.PathValue("id")) {
		http.Error(w, "turn not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Turns returns the turn manager.
func (a *App) Turns() *TurnManager { return a.turns }

// Run serves HTTP until ctx is cancelled, then stops accepting requests.
// Call Shutdown afterwards to drain playback.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		addr := a.cfg.Server.ListenAddr
		if addr == "" {
			addr = defaultListenAddr
		}
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app: serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ApplyConfig is a [config.ChangeFunc]. It applies the hot-reloadable parts
// of newCfg and logs the rest.
func (a *App) ApplyConfig(_, newCfg *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Slog())
		slog.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.ModeChanged || diff.NetworkChanged || diff.ThresholdsChanged || diff.BufferChanged || diff.InterruptChanged {
		a.turns.Apply(policyDefaults(newCfg))
		slog.Info("app: playback policy reloaded",
			"mode", diff.ModeChanged,
			"network", diff.NetworkChanged,
			"thresholds", diff.ThresholdsChanged,
			"buffer", diff.BufferChanged,
			"interrupt", diff.InterruptChanged,
		)
	}
	if diff.RestartRequired {
		slog.Warn("app: config changes need a restart to take effect")
	}
}

// Shutdown marks the service as draining, closes producer connections, ends
// every turn and closes the sink. It respects the context deadline: if ctx
// expires before all steps finish, remaining steps are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.health.SetDraining()

		steps := []func() error{
			func() error {
				if a.server == nil {
					return nil
				}
				return a.server.Shutdown(ctx)
			},
			func() error { a.ingest.Close(); return nil },
			func() error { a.turns.Close(); return nil },
		}
		if a.egress != nil {
			steps = append(steps, a.egress.Close)
		}
		steps = append(steps, a.closers...)
		slog.Info("app: shutting down", "steps", len(steps))

		for i, step := range steps {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(steps)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := step(); err != nil {
				slog.Warn("app: shutdown step failed", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

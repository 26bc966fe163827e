package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Engine orchestrates the bus, metrics endpoint, modules and background tasks.
type Engine struct {
	Config   *Config
	Bus      *EventBus
	Registry *ModuleRegistry
	Metrics  *prometheus.Registry
	Logger   zerolog.Logger

	root       zerolog.Logger
	metricsSrv *MetricsServer
	logCloser  io.Closer
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine creates a new engine. Log output goes to out, or stdout when nil.
func NewEngine(cfg *Config, out io.Writer) (*Engine, error) {
	if _, errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", errs[0])
	}

	logger, closer := NewLogger(cfg.Logging, out)
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		Config:    cfg,
		Registry:  NewModuleRegistry(logger),
		Metrics:   NewMetricsRegistry(),
		Logger:    logger.With().Str("component", "engine").Logger(),
		root:      logger,
		logCloser: closer,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Root returns the process logger without the engine component field, for
// building other component loggers.
func (e *Engine) Root() zerolog.Logger {
	return e.root
}

// Start brings up the event bus and metrics endpoint, then starts modules.
func (e *Engine) Start() error {
	e.startedAt = time.Now()
	e.Logger.Info().Str("node", e.Config.Node.ID).Str("mode", e.Config.Monitor.Mode).Msg("starting dioguard engine")

	if e.Config.Bus.Enabled {
		bus, err := NewEventBus(&e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
	}

	if e.Config.Metrics.Enabled {
		e.metricsSrv = NewMetricsServer(e.Config.Metrics, e.Metrics, e.Logger)
		if err := e.metricsSrv.Start(); err != nil {
			return fmt.Errorf("starting metrics listener: %w", err)
		}
	}

	if err := e.Registry.StartAll(e.ctx, e.Bus, e.Metrics, e.Config); err != nil {
		return fmt.Errorf("starting modules: %w", err)
	}

	if e.Config.Monitor.Mode == ModePush && e.Bus != nil {
		if err := e.Bus.SubscribeToObservations(e.Config.Node.ID, func(obs *Observation) {
			e.Route(obs)
		}); err != nil {
			return fmt.Errorf("subscribing to observations: %w", err)
		}
	}

	e.Logger.Info().
		Int("modules", len(e.Registry.Running())).
		Bool("bus", e.Bus != nil).
		Bool("metrics", e.metricsSrv != nil).
		Msg("dioguard engine started")
	return nil
}

// Route sends one observation through the running modules.
func (e *Engine) Route(obs *Observation) detect.Verdict {
	return e.Registry.RouteObservation(obs)
}

// Go runs fn in the background until the engine context is cancelled.
// Shutdown waits for it to return.
func (e *Engine) Go(name string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.Logger.Error().Err(err).Str("task", name).Msg("background task failed")
		}
	}()
}

// Run starts the engine and blocks until a shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		_ = e.Shutdown()
		return err
	}
	e.Wait()
	return e.Shutdown()
}

// Wait blocks until SIGINT, SIGTERM or cancellation of the engine context.
func (e *Engine) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}
}

// Stop cancels the engine context, releasing Wait.
func (e *Engine) Stop() {
	e.cancel()
}

// Shutdown gracefully stops the engine.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down dioguard engine")
	e.cancel()
	e.wg.Wait()

	e.Registry.StopAll()

	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.metricsSrv.Shutdown(ctx); err != nil {
			e.Logger.Error().Err(err).Msg("error stopping metrics server")
		}
		cancel()
	}

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Dur("uptime", e.Uptime()).Msg("dioguard engine stopped")
	return e.logCloser.Close()
}

// Uptime returns how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt).Truncate(time.Second)
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (e *Engine) MetricsAddr() string {
	if e.metricsSrv == nil {
		return ""
	}
	return e.metricsSrv.Addr()
}

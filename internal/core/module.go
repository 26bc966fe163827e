package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Module is the interface every DIO processing module implements.
type Module interface {
	// Name returns the unique name of the module.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// Start initializes the module. bus is nil when the event bus is disabled.
	Start(ctx context.Context, bus *EventBus, metrics prometheus.Registerer, cfg *Config) error
	// Stop gracefully shuts down the module.
	Stop() error
	// HandleObservation decides whether an advertisement is accepted.
	HandleObservation(obs *Observation) (detect.Verdict, error)
	// Report emits the periodic statistics of the module.
	Report(now time.Time)
}

// BlacklistDumper is implemented by modules that keep a blacklist worth
// printing on the blacklist interval.
type BlacklistDumper interface {
	DumpBlacklist(now time.Time)
}

// ModuleRegistry manages module registration and lifecycle.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string
	running map[string]bool
	logger  zerolog.Logger

	metrics *RegistryMetrics
}

// RegistryMetrics tracks observation routing.
type RegistryMetrics struct {
	mu                 sync.Mutex       `json:"-"`
	ObservationsRouted int64            `json:"observations_routed"`
	Rejected           int64            `json:"rejected"`
	VerdictsByModule   map[string]int64 `json:"verdicts_by_module"`
	ModuleErrors       map[string]int64 `json:"module_errors"`
}

// NewModuleRegistry creates a new ModuleRegistry.
func NewModuleRegistry(logger zerolog.Logger) *ModuleRegistry {
	return &ModuleRegistry{
		modules: make(map[string]Module),
		order:   make([]string, 0),
		running: make(map[string]bool),
		logger:  logger.With().Str("component", "module_registry").Logger(),
		metrics: &RegistryMetrics{
			VerdictsByModule: make(map[string]int64),
			ModuleErrors:     make(map[string]int64),
		},
	}
}

// Register adds a module to the registry.
func (r *ModuleRegistry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := mod.Name()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	r.modules[name] = mod
	r.order = append(r.order, name)

	r.logger.Info().Str("module", name).Msg("module registered")
	return nil
}

// RouteObservation hands obs to every running module in registration order
// and returns the first rejecting verdict, or Accepted when all accept.
// Every module sees every observation so their counters stay comparable.
func (r *ModuleRegistry) RouteObservation(obs *Observation) detect.Verdict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	verdict := detect.Accepted
	for _, name := range r.order {
		if !r.running[name] {
			continue
		}
		v, ok := r.safeHandle(r.modules[name], obs)
		if ok && verdict == detect.Accepted && v.Rejected() {
			verdict = v
		}
	}

	r.metrics.mu.Lock()
	r.metrics.ObservationsRouted++
	if verdict.Rejected() {
		r.metrics.Rejected++
	}
	r.metrics.mu.Unlock()
	return verdict
}

// safeHandle calls mod.HandleObservation inside a recover() so a panicking
// module cannot crash the engine. A failed module does not vote.
func (r *ModuleRegistry) safeHandle(mod Module, obs *Observation) (v detect.Verdict, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("module", mod.Name()).
				Str("sender", obs.Sender.String()).
				Interface("panic", rec).
				Msg("module panic recovered")
			r.countError(mod.Name())
			v, ok = detect.Accepted, false
		}
	}()

	v, err := mod.HandleObservation(obs)
	if err != nil {
		r.logger.Error().Err(err).
			Str("module", mod.Name()).
			Str("sender", obs.Sender.String()).
			Msg("module failed to handle observation")
		r.countError(mod.Name())
		return detect.Accepted, false
	}

	r.metrics.mu.Lock()
	r.metrics.VerdictsByModule[mod.Name()]++
	r.metrics.mu.Unlock()
	return v, true
}

func (r *ModuleRegistry) countError(name string) {
	r.metrics.mu.Lock()
	r.metrics.ModuleErrors[name]++
	r.metrics.mu.Unlock()
}

// ReportAll asks every running module to print its statistics.
func (r *ModuleRegistry) ReportAll(now time.Time) {
	for _, mod := range r.Running() {
		r.safeCall(mod, "report", func() { mod.Report(now) })
	}
}

// DumpBlacklists prints the blacklist of every running module that has one.
func (r *ModuleRegistry) DumpBlacklists(now time.Time) {
	for _, mod := range r.Running() {
		if d, ok := mod.(BlacklistDumper); ok {
			r.safeCall(mod, "blacklist dump", func() { d.DumpBlacklist(now) })
		}
	}
}

func (r *ModuleRegistry) safeCall(mod Module, what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("module", mod.Name()).
				Interface("panic", rec).
				Msgf("module panic during %s", what)
			r.countError(mod.Name())
		}
	}()
	fn()
}

// GetMetrics returns a snapshot of routing metrics.
func (r *ModuleRegistry) GetMetrics() map[string]interface{} {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	byModule := make(map[string]int64, len(r.metrics.VerdictsByModule))
	for k, v := range r.metrics.VerdictsByModule {
		byModule[k] = v
	}
	modErr := make(map[string]int64, len(r.metrics.ModuleErrors))
	for k, v := range r.metrics.ModuleErrors {
		modErr[k] = v
	}
	return map[string]interface{}{
		"observations_routed": r.metrics.ObservationsRouted,
		"rejected":            r.metrics.Rejected,
		"verdicts_by_module":  byModule,
		"module_errors":       modErr,
	}
}

// Get returns a module by name.
func (r *ModuleRegistry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	return mod, ok
}

// All returns all registered modules in registration order.
func (r *ModuleRegistry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.modules[name])
	}
	return result
}

// Running returns the started modules in registration order.
func (r *ModuleRegistry) Running() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Module, 0, len(r.running))
	for _, name := range r.order {
		if r.running[name] {
			result = append(result, r.modules[name])
		}
	}
	return result
}

// StartAll starts all registered modules that are enabled in config.
func (r *ModuleRegistry) StartAll(ctx context.Context, bus *EventBus, metrics prometheus.Registerer, cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		mod := r.modules[name]
		if !cfg.IsModuleEnabled(name) {
			r.logger.Info().Str("module", name).Msg("module disabled, skipping")
			continue
		}
		r.logger.Info().Str("module", name).Msg("starting module")
		if err := mod.Start(ctx, bus, metrics, cfg); err != nil {
			return fmt.Errorf("failed to start module %q: %w", name, err)
		}
		r.running[name] = true
		r.logger.Info().Str("module", name).Msg("module started")
	}
	return nil
}

// StopAll stops all running modules in reverse order.
func (r *ModuleRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if !r.running[name] {
			continue
		}
		r.logger.Info().Str("module", name).Msg("stopping module")
		if err := r.modules[name].Stop(); err != nil {
			r.logger.Error().Err(err).Str("module", name).Msg("error stopping module")
		}
		delete(r.running, name)
	}
}

// Count returns the number of registered modules.
func (r *ModuleRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

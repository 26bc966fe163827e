// Package mitigation is the replay_mitigation module: it runs every DIO
// observation through the replay detector, exports detector metrics, raises
// detection events and answers operator blacklist requests.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const ModuleName = "replay_mitigation"

// eventQueueSize bounds detection events waiting to be published.
const eventQueueSize = 256

var errNotStarted = errors.New("replay_mitigation not started")

// Mitigation wraps a detect.Engine as a core.Module.
type Mitigation struct {
	logger  zerolog.Logger
	out     io.Writer
	node    string
	bus     *core.EventBus
	engine  *detect.Engine
	metrics *metrics
	dedup   *core.EventDedup
	cancel  context.CancelFunc

	events  chan *core.DetectionEvent
	wg      sync.WaitGroup
	mu      sync.Mutex
	dropped int64
}

// New creates the module. Reports are written to out, or stdout when nil.
func New(logger zerolog.Logger, out io.Writer) *Mitigation {
	if out == nil {
		out = os.Stdout
	}
	return &Mitigation{
		logger: logger.With().Str("module", ModuleName).Logger(),
		out:    out,
	}
}

func (m *Mitigation) Name() string { return ModuleName }
func (m *Mitigation) Description() string {
	return "DIO replay detection: rate and duplicate signatures, escalation to a time-bounded blacklist"
}

func (m *Mitigation) Start(ctx context.Context, bus *core.EventBus, reg prometheus.Registerer, cfg *core.Config) error {
	dcfg := cfg.Detection
	settings := cfg.GetModuleSettings(ModuleName)
	dcfg.AutoBlacklist = getBoolSetting(settings, "auto_blacklist", dcfg.AutoBlacklist)

	m.node = cfg.Node.ID
	m.bus = bus
	m.engine = detect.NewEngine(dcfg, m.logger)
	m.dedup = core.NewEventDedup(dcfg.DuplicateWindow, 2*dcfg.ObservationCapacity)

	met, err := newMetrics(reg, m.engine)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	m.metrics = met

	m.engine.OnBlacklist(func(entry detect.BlacklistEntry) {
		m.metrics.blacklisted.Inc()
		ev := m.newEvent(core.EventBlacklisted, core.SeverityHigh,
			fmt.Sprintf("%s blacklisted: %s", entry.Sender, entry.Reason), entry.Sender.String(), entry.BlacklistedAt)
		ev.Details["reason"] = entry.Reason
		ev.Details["permanent"] = entry.Permanent
		ev.Details["violations"] = entry.ViolationCount
		m.enqueue(ev)
	})
	m.engine.OnExpire(func(entry detect.BlacklistEntry) {
		ev := m.newEvent(core.EventBlacklistExpired, core.SeverityInfo,
			fmt.Sprintf("%s blacklist expired", entry.Sender), entry.Sender.String(), entry.BlacklistedAt.Add(m.engine.Config().BlacklistDuration))
		ev.Details["violations"] = entry.ViolationCount
		m.enqueue(ev)
	})

	ctx, m.cancel = context.WithCancel(ctx)
	if bus != nil {
		m.events = make(chan *core.DetectionEvent, eventQueueSize)
		m.wg.Add(1)
		go m.publishLoop(ctx)

		if err := bus.HandleRequests(core.SubjectControlBlacklist, m.handleControl); err != nil {
			m.cancel()
			m.wg.Wait()
			return fmt.Errorf("serving blacklist control: %w", err)
		}
	}
	return nil
}

func (m *Mitigation) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// Engine exposes the detector for reporting and tests.
func (m *Mitigation) Engine() *detect.Engine { return m.engine }

func (m *Mitigation) HandleObservation(obs *core.Observation) (detect.Verdict, error) {
	if m.engine == nil {
		return detect.Accepted, errNotStarted
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now()
	}
	v := m.engine.Evaluate(obs.Sender, obs.Rank, obs.Version, obs.ObservedAt)
	m.metrics.observations.WithLabelValues(v.String()).Inc()

	switch v {
	case detect.RejectedHighFrequency:
		m.raiseReplay(obs, core.EventReplayHighFrequency, "high frequency DIOs")
	case detect.RejectedDuplicate:
		m.raiseReplay(obs, core.EventReplayDuplicate, "duplicate DIO within window")
	}
	return v, nil
}

func (m *Mitigation) raiseReplay(obs *core.Observation, eventType, what string) {
	if m.bus == nil {
		return
	}
	ev := m.newEvent(eventType, core.SeverityMedium,
		fmt.Sprintf("%s from %s", what, obs.Sender), obs.Sender.String(), obs.ObservedAt)
	if m.dedup.IsDuplicate(ev) {
		return
	}
	ev.Details["rank"] = obs.Rank
	ev.Details["version"] = obs.Version
	if o, ok := m.engine.Observation(obs.Sender); ok {
		ev.Details["violations"] = o.ViolationCount
		ev.Details["rate"] = o.RateCount
	}
	m.enqueue(ev)
}

func (m *Mitigation) newEvent(eventType string, sev core.Severity, summary, sender string, at time.Time) *core.DetectionEvent {
	ev := core.NewDetectionEvent(ModuleName, eventType, sev, summary, at)
	ev.Node = m.node
	ev.Sender = sender
	return ev
}

// enqueue never blocks; it may run under the detector lock.
func (m *Mitigation) enqueue(ev *core.DetectionEvent) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

func (m *Mitigation) publishLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if err := m.bus.PublishEvent(ev); err != nil {
				m.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to publish detection event")
			}
		}
	}
}

// Suppressed returns the number of replay events folded into an earlier one.
func (m *Mitigation) Suppressed() int64 {
	if m.dedup == nil {
		return 0
	}
	return m.dedup.Suppressed()
}

// Dropped returns the number of events discarded because the queue was full.
func (m *Mitigation) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func getBoolSetting(settings map[string]interface{}, key string, defaultVal bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return defaultVal
}

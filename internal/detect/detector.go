// Package detect implements the DIO replay detector: bounded per-sender
// behavioral state, the rate and duplicate signatures, and escalation of
// repeat offenders into a blacklist with lazy expiry.
package detect

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultObservationCapacity = 10
	DefaultBlacklistCapacity   = 10
	DefaultRateThreshold       = 3
	DefaultEscalationThreshold = 5
	DefaultDuplicateWindow     = 5 * time.Second
	DefaultBlacklistDuration   = 600 * time.Second

	ReasonHighFrequency = "High frequency attack"
	ReasonDuplicate     = "Duplicate replay"
	ReasonManual        = "Manual block"
)

// Verdict is the outcome of evaluating one advertisement.
type Verdict int

const (
	Accepted Verdict = iota
	RejectedBlacklisted
	RejectedHighFrequency
	RejectedDuplicate
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedBlacklisted:
		return "rejected_blacklisted"
	case RejectedHighFrequency:
		return "rejected_high_frequency"
	case RejectedDuplicate:
		return "rejected_duplicate"
	default:
		return "unknown"
	}
}

// Rejected reports whether the advertisement must be dropped.
func (v Verdict) Rejected() bool { return v != Accepted }

// Config holds detector thresholds and table sizes.
type Config struct {
	ObservationCapacity int           `yaml:"observation_capacity"`
	BlacklistCapacity   int           `yaml:"blacklist_capacity"`
	RateThreshold       int           `yaml:"rate_threshold"`       // advertisements per second
	EscalationThreshold uint32        `yaml:"escalation_threshold"` // violations before blacklisting
	DuplicateWindow     time.Duration `yaml:"duplicate_window"`
	BlacklistDuration   time.Duration `yaml:"blacklist_duration"`
	AutoBlacklist       bool          `yaml:"auto_blacklist"`
}

// DefaultConfig returns the thresholds used on constrained nodes.
func DefaultConfig() Config {
	return Config{
		ObservationCapacity: DefaultObservationCapacity,
		BlacklistCapacity:   DefaultBlacklistCapacity,
		RateThreshold:       DefaultRateThreshold,
		EscalationThreshold: DefaultEscalationThreshold,
		DuplicateWindow:     DefaultDuplicateWindow,
		BlacklistDuration:   DefaultBlacklistDuration,
		AutoBlacklist:       true,
	}
}

// Stats are the running counters of an Engine.
type Stats struct {
	Received            uint64 `json:"received"`
	Accepted            uint64 `json:"accepted"`
	RejectedHighFreq    uint64 `json:"rejected_high_frequency"`
	RejectedDuplicate   uint64 `json:"rejected_duplicate"`
	RejectedBlacklisted uint64 `json:"rejected_blacklisted"`
	NodesBlacklisted    uint64 `json:"nodes_blacklisted"`
}

// Replays returns the number of advertisements rejected by either signature.
func (s Stats) Replays() uint64 { return s.RejectedHighFreq + s.RejectedDuplicate }

// Rejected returns every rejected advertisement, blacklisted ones included.
func (s Stats) Rejected() uint64 { return s.Replays() + s.RejectedBlacklisted }

// BlacklistHandler is notified when a sender gets a new blacklist entry.
type BlacklistHandler func(entry BlacklistEntry)

// Engine owns the observation and blacklist tables and all counters. One
// mutex serializes every operation so Evaluate is atomic with respect to
// reporters and operator commands.
type Engine struct {
	mu           sync.Mutex
	cfg          Config
	observations *ObservationTable
	blacklist    *BlacklistTable
	stats        Stats
	logger       zerolog.Logger
	onBlacklist  []BlacklistHandler
	onExpire     []BlacklistHandler
}

// NewEngine creates an Engine with empty tables.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RateThreshold <= 0 {
		cfg.RateThreshold = def.RateThreshold
	}
	if cfg.EscalationThreshold == 0 {
		cfg.EscalationThreshold = def.EscalationThreshold
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}

	e := &Engine{
		cfg:          cfg,
		observations: NewObservationTable(cfg.ObservationCapacity),
		blacklist:    NewBlacklistTable(cfg.BlacklistCapacity, cfg.BlacklistDuration),
		logger:       logger.With().Str("component", "replay_detector").Logger(),
	}
	e.blacklist.OnExpire = func(entry BlacklistEntry) {
		e.logger.Info().Str("sender", entry.Sender.String()).Msg("blacklist expired")
		for _, h := range e.onExpire {
			h(entry)
		}
	}

	e.logger.Info().
		Int("observation_capacity", e.observations.Capacity()).
		Int("blacklist_capacity", e.blacklist.Capacity()).
		Uint32("threshold", cfg.EscalationThreshold).
		Dur("duration", e.blacklist.Duration()).
		Bool("auto_blacklist", cfg.AutoBlacklist).
		Msg("replay detector initialized")
	return e
}

// OnBlacklist registers a handler for newly created blacklist entries.
// Handlers run with the engine lock held and must not call back into it.
func (e *Engine) OnBlacklist(h BlacklistHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBlacklist = append(e.onBlacklist, h)
}

// OnExpire registers a handler for lazily expired blacklist entries. The
// same locking rule as OnBlacklist applies.
func (e *Engine) OnExpire(h BlacklistHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExpire = append(e.onExpire, h)
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate decides whether the advertisement (rank, version) from sender,
// received at now, is legitimate. Timestamps are compared at one-second
// resolution.
func (e *Engine) Evaluate(sender netip.Addr, rank uint16, version uint8, now time.Time) Verdict {
	now = now.Truncate(time.Second)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Received++

	if e.blacklist.IsBlocked(sender, now) {
		e.stats.RejectedBlacklisted++
		e.logger.Warn().Str("sender", sender.String()).Msg("blocked (blacklisted)")
		return RejectedBlacklisted
	}

	obs := e.observations.GetOrCreate(sender, now)

	if !obs.RateWindowStart.Equal(now) {
		obs.RateCount = 0
		obs.RateWindowStart = now
	}
	obs.RateCount++

	highFreq := obs.RateCount > e.cfg.RateThreshold
	if highFreq {
		obs.ViolationCount++
		e.logger.Warn().
			Str("sender", sender.String()).
			Int("per_second", obs.RateCount).
			Uint32("violations", obs.ViolationCount).
			Msg("high frequency DIOs, replay attack")
		e.escalateLocked(obs, ReasonHighFrequency, now)
	}

	duplicate := false
	if obs.Seen() {
		since := now.Sub(obs.LastSeen)
		if obs.LastRank == rank && obs.LastVersion == version && since < e.cfg.DuplicateWindow {
			duplicate = true
			obs.ViolationCount++
			e.logger.Warn().
				Str("sender", sender.String()).
				Uint16("rank", rank).
				Uint8("version", version).
				Dur("since", since).
				Uint32("violations", obs.ViolationCount).
				Msg("duplicate DIO, replay")
			e.escalateLocked(obs, ReasonDuplicate, now)
		}
	}

	obs.LastSeen = now
	obs.LastRank = rank
	obs.LastVersion = version

	switch {
	case highFreq:
		e.stats.RejectedHighFreq++
		return RejectedHighFrequency
	case duplicate:
		e.stats.RejectedDuplicate++
		return RejectedDuplicate
	default:
		e.stats.Accepted++
		return Accepted
	}
}

func (e *Engine) escalateLocked(obs *SenderObservation, reason string, now time.Time) {
	if !e.cfg.AutoBlacklist || obs.ViolationCount < e.cfg.EscalationThreshold {
		return
	}
	e.addLocked(obs.Sender, reason, false, obs.ViolationCount, now)
}

func (e *Engine) addLocked(sender netip.Addr, reason string, permanent bool, violations uint32, now time.Time) BlacklistEntry {
	entry, created := e.blacklist.Add(sender, reason, permanent, violations, now)
	if !created {
		e.logger.Warn().
			Str("sender", sender.String()).
			Uint32("violations", entry.ViolationCount).
			Msg("updated blacklist entry")
		return entry
	}

	e.stats.NodesBlacklisted++
	kind := "TEMPORARY"
	if permanent {
		kind = "PERMANENT"
	}
	e.logger.Warn().
		Str("sender", sender.String()).
		Str("reason", entry.Reason).
		Str("type", kind).
		Msg("BLACKLISTED")
	for _, h := range e.onBlacklist {
		h(entry)
	}
	return entry
}

// IsBlocked reports whether sender is blacklisted at now, expiring a stale
// temporary entry as a side effect.
func (e *Engine) IsBlocked(sender netip.Addr, now time.Time) bool {
	now = now.Truncate(time.Second)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blacklist.IsBlocked(sender, now)
}

// Block adds or refreshes a blacklist entry on operator request. The new
// entry carries the sender's current violation count, or 1 if unknown.
func (e *Engine) Block(sender netip.Addr, reason string, permanent bool, now time.Time) BlacklistEntry {
	now = now.Truncate(time.Second)
	e.mu.Lock()
	defer e.mu.Unlock()
	if reason == "" {
		reason = ReasonManual
	}
	var violations uint32
	if obs, ok := e.observations.Lookup(sender); ok {
		violations = obs.ViolationCount
	}
	return e.addLocked(sender, reason, permanent, violations, now)
}

// Unblock removes the active blacklist entry for sender.
func (e *Engine) Unblock(sender netip.Addr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.blacklist.Remove(sender) {
		return false
	}
	e.logger.Info().Str("sender", sender.String()).Msg("removed from blacklist")
	return true
}

// Stats returns a copy of the running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Observation returns a copy of the behavioral state of sender.
func (e *Engine) Observation(sender netip.Addr) (SenderObservation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observations.Lookup(sender)
}

// BlacklistEntry returns a copy of the active entry for sender, without
// applying expiry.
func (e *Engine) BlacklistEntry(sender netip.Addr) (BlacklistEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blacklist.Lookup(sender)
}

// Snapshot is a consistent copy of the engine state for reporting.
type Snapshot struct {
	Stats             Stats               `json:"stats"`
	Observations      []SenderObservation `json:"observations"`
	Blacklist         []BlacklistEntry    `json:"blacklist"`
	ObservationCap    int                 `json:"observation_capacity"`
	BlacklistCap      int                 `json:"blacklist_capacity"`
	BlacklistDuration time.Duration       `json:"blacklist_duration"`
}

// Snapshot copies the tables and counters under the engine lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Stats:             e.stats,
		Observations:      e.observations.Snapshot(),
		Blacklist:         e.blacklist.Entries(),
		ObservationCap:    e.observations.Capacity(),
		BlacklistCap:      e.blacklist.Capacity(),
		BlacklistDuration: e.blacklist.Duration(),
	}
}

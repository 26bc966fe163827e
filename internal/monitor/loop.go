// Package monitor drives detection from the routing stack: it polls the
// neighbor table, routes each advertisement to the modules and emits the
// periodic statistics and blacklist reports.
package monitor

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/1sec-project/dioguard/internal/rpl"
	"github.com/rs/zerolog"
)

// Dispatcher receives observations and report ticks. core.ModuleRegistry
// implements it.
type Dispatcher interface {
	RouteObservation(obs *core.Observation) detect.Verdict
	ReportAll(now time.Time)
	DumpBlacklists(now time.Time)
}

// Loop is the periodic monitoring driver.
type Loop struct {
	topo      rpl.Topology
	dispatch  Dispatcher
	cfg       core.MonitorConfig
	evaluator *Evaluator
	logger    zerolog.Logger
	source    string

	lastPoll  time.Time
	nextPoll  time.Time
	nextStats time.Time
	nextDump  time.Time
	routed    uint64
}

// NewLoop creates a loop over topo. When cfg.Evaluator is set, an Evaluator
// writing to out (stdout when nil) is attached.
func NewLoop(topo rpl.Topology, dispatch Dispatcher, cfg core.MonitorConfig, logger zerolog.Logger, out io.Writer) *Loop {
	if out == nil {
		out = os.Stdout
	}
	def := core.DefaultConfig().Monitor
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.BlacklistInterval <= 0 {
		cfg.BlacklistInterval = def.BlacklistInterval
	}
	l := &Loop{
		topo:     topo,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger.With().Str("component", "monitor").Logger(),
		source:   "poll",
	}
	if cfg.Evaluator {
		l.evaluator = NewEvaluator(topo, logger, out)
	}
	return l
}

// Evaluator returns the attached evaluator, or nil.
func (l *Loop) Evaluator() *Evaluator { return l.evaluator }

// Routed returns the number of observations routed so far.
func (l *Loop) Routed() uint64 { return l.routed }

// Poll runs one pass over the neighbor table at now and returns how many
// observations were routed. It does nothing when the node is not joined or
// when no whole second has passed since the previous pass.
func (l *Loop) Poll(now time.Time) int {
	now = now.Truncate(time.Second)
	if l.evaluator != nil {
		l.evaluator.Sample(now)
	}
	if !l.topo.Joined() {
		return 0
	}
	if !l.lastPoll.IsZero() && !now.After(l.lastPoll) {
		return 0
	}
	l.lastPoll = now

	version := l.topo.Version()
	n := 0
	for _, nbr := range l.topo.Neighbors() {
		if !nbr.HasRank() {
			continue
		}
		v := l.dispatch.RouteObservation(&core.Observation{
			Sender:     nbr.Addr,
			Rank:       nbr.Rank,
			Version:    version,
			ObservedAt: now,
			Source:     l.source,
		})
		n++
		if v.Rejected() {
			l.logger.Debug().Str("sender", nbr.Addr.String()).Str("verdict", v.String()).Msg("DIO rejected")
		}
	}
	l.routed += uint64(n)
	return n
}

// Report emits the statistics of every module and the evaluator.
func (l *Loop) Report(now time.Time) {
	l.dispatch.ReportAll(now)
	if l.evaluator != nil {
		l.evaluator.Report(now)
	}
}

// DumpBlacklist emits the blacklist of every module that keeps one.
func (l *Loop) DumpBlacklist(now time.Time) {
	l.dispatch.DumpBlacklists(now)
}

// Step runs every periodic task due at now, measured from the first step.
// It lets a virtual clock drive the loop.
func (l *Loop) Step(now time.Time) {
	if l.nextStats.IsZero() {
		l.nextPoll = now
		l.nextStats = now.Add(l.cfg.StatsInterval)
		l.nextDump = now.Add(l.cfg.BlacklistInterval)
	}
	if !now.Before(l.nextPoll) {
		if l.cfg.Mode == core.ModePush {
			if l.evaluator != nil {
				l.evaluator.Sample(now)
			}
		} else {
			l.Poll(now)
		}
		l.nextPoll = l.nextPoll.Add(l.cfg.Interval)
	}
	if !now.Before(l.nextStats) {
		l.Report(now)
		l.nextStats = l.nextStats.Add(l.cfg.StatsInterval)
	}
	if !now.Before(l.nextDump) {
		l.DumpBlacklist(now)
		l.nextDump = l.nextDump.Add(l.cfg.BlacklistInterval)
	}
}

// Run drives the loop on the wall clock until ctx is cancelled. In push
// mode observations arrive on the bus, so only the report tickers run.
func (l *Loop) Run(ctx context.Context) error {
	poll := time.NewTicker(l.cfg.Interval)
	stats := time.NewTicker(l.cfg.StatsInterval)
	dump := time.NewTicker(l.cfg.BlacklistInterval)
	defer poll.Stop()
	defer stats.Stop()
	defer dump.Stop()

	push := l.cfg.Mode == core.ModePush
	l.logger.Info().
		Dur("interval", l.cfg.Interval).
		Dur("stats_interval", l.cfg.StatsInterval).
		Dur("blacklist_interval", l.cfg.BlacklistInterval).
		Bool("push", push).
		Msg("monitoring loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Uint64("routed", l.routed).Msg("monitoring loop stopped")
			return ctx.Err()
		case now := <-poll.C:
			if push {
				if l.evaluator != nil {
					l.evaluator.Sample(now)
				}
				continue
			}
			l.Poll(now)
		case now := <-stats.C:
			l.Report(now)
		case now := <-dump.C:
			l.DumpBlacklist(now)
		}
	}
}

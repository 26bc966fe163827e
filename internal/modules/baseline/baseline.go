// Package baseline is the unprotected receiver used as a comparison point:
// it accepts every advertisement and only counts them.
package baseline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const ModuleName = "baseline"

// Baseline accepts all observations.
type Baseline struct {
	logger    zerolog.Logger
	out       io.Writer
	received  atomic.Uint64
	processed atomic.Uint64
	counter   prometheus.Counter
}

// New creates the module. Reports are written to out, or stdout when nil.
func New(logger zerolog.Logger, out io.Writer) *Baseline {
	if out == nil {
		out = os.Stdout
	}
	return &Baseline{
		logger: logger.With().Str("module", ModuleName).Logger(),
		out:    out,
	}
}

func (b *Baseline) Name() string        { return ModuleName }
func (b *Baseline) Description() string { return "Unprotected receiver, accepts every DIO" }

func (b *Baseline) Start(_ context.Context, _ *core.EventBus, reg prometheus.Registerer, _ *core.Config) error {
	b.counter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dioguard",
		Subsystem: "baseline",
		Name:      "processed_total",
		Help:      "DIO advertisements processed without protection.",
	})
	if reg != nil {
		if err := reg.Register(b.counter); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}
	b.logger.Warn().Msg("no replay attack protection active")
	return nil
}

func (b *Baseline) Stop() error { return nil }

func (b *Baseline) HandleObservation(obs *core.Observation) (detect.Verdict, error) {
	b.received.Add(1)
	b.logger.Debug().Str("sender", obs.Sender.String()).Uint16("rank", obs.Rank).Msg("DIO received")
	b.processed.Add(1)
	if b.counter != nil {
		b.counter.Inc()
	}
	return detect.Accepted, nil
}

// Counts returns the received and processed totals.
func (b *Baseline) Counts() (received, processed uint64) {
	return b.received.Load(), b.processed.Load()
}

func (b *Baseline) Report(time.Time) {
	received, processed := b.Counts()
	fmt.Fprintln(b.out, "=== baseline (unprotected) statistics ===")
	fmt.Fprintf(b.out, "Total DIOs received: %d\n", received)
	fmt.Fprintf(b.out, "DIOs processed: %d\n", processed)
	fmt.Fprintln(b.out, "Protection: NONE (baseline)")
}

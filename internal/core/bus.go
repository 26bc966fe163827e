package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects used on the bus.
const (
	SubjectEvents           = "dio.events"
	SubjectSummaries        = "dio.summaries"
	SubjectObservations     = "dio.observations"
	SubjectControlBlacklist = "dio.control.blacklist"
)

// EventBus wraps NATS JetStream for event publishing and subscribing.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu              sync.Mutex `json:"-"`
	EventsPublished int64      `json:"events_published"`
	EventsFailed    int64      `json:"events_failed"`
	SummariesSent   int64      `json:"summaries_published"`
	ObservationsIn  int64      `json:"observations_received"`
	MessagesAcked   int64      `json:"messages_acked"`
	MessagesNaked   int64      `json:"messages_naked"`
	ControlRequests int64      `json:"control_requests"`
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an embedded NATS server.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = bus.ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("dioguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "DIO_EVENTS",
			Subjects:  []string{SubjectEvents + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "DIO_SUMMARIES",
			Subjects:  []string{SubjectSummaries + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			MaxBytes:  64 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "DIO_OBSERVATIONS",
			Subjects:  []string{SubjectObservations + ".>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    time.Hour,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if err := bus.ensureStream(sc); err != nil {
			_ = bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates the stream, or updates it when a previous version
// left it with a different configuration.
func (b *EventBus) ensureStream(sc *nats.StreamConfig) error {
	if _, err := b.js.AddStream(sc); err != nil {
		if _, updateErr := b.js.UpdateStream(sc); updateErr != nil {
			return fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
		}
	}
	return nil
}

// PublishEvent publishes a DetectionEvent to dio.events.<module>.<type>.
func (b *EventBus) PublishEvent(event *DetectionEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", SubjectEvents, event.Module, event.Type)
	if _, err = b.js.Publish(subject, data); err != nil {
		b.metrics.mu.Lock()
		b.metrics.EventsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("severity", event.Severity.String()).
		Msg("event published")
	return nil
}

// PublishSummary publishes a periodic report to dio.summaries.<node>.
func (b *EventBus) PublishSummary(node string, summary any) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	subject := SubjectSummaries + "." + node
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing summary to %s: %w", subject, err)
	}
	b.metrics.mu.Lock()
	b.metrics.SummariesSent++
	b.metrics.mu.Unlock()
	return nil
}

// PublishObservation feeds an advertisement to dio.observations.<node>.
func (b *EventBus) PublishObservation(node string, obs *Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshaling observation: %w", err)
	}
	subject := SubjectObservations + "." + node
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing observation to %s: %w", subject, err)
	}
	return nil
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToObservations consumes the advertisements pushed for node.
// Malformed messages are terminated so they are not redelivered. Messages
// without observed_at are stamped with the receipt time.
func (b *EventBus) SubscribeToObservations(node string, handler func(obs *Observation)) error {
	return b.Subscribe(SubjectObservations+"."+node, "dioguard-"+node+"-observations", func(msg *nats.Msg) {
		obs, err := UnmarshalObservation(msg.Data)
		if err != nil || !obs.Sender.IsValid() {
			b.logger.Error().Err(err).Msg("dropping malformed observation")
			_ = msg.Term()
			b.metrics.mu.Lock()
			b.metrics.MessagesNaked++
			b.metrics.mu.Unlock()
			return
		}
		if obs.ObservedAt.IsZero() {
			obs.ObservedAt = time.Now()
		}
		handler(obs)
		_ = msg.Ack()
		b.metrics.mu.Lock()
		b.metrics.ObservationsIn++
		b.metrics.MessagesAcked++
		b.metrics.mu.Unlock()
	})
}

// HandleRequests answers core NATS requests on subject. The handler's return
// value is sent back as the reply.
func (b *EventBus) HandleRequests(subject string, handler func(data []byte) []byte) error {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.metrics.mu.Lock()
		b.metrics.ControlRequests++
		b.metrics.mu.Unlock()
		if err := msg.Respond(handler(msg.Data)); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("failed to respond")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Request sends a core NATS request and waits for the reply.
func (b *EventBus) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := b.nc.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published":      b.metrics.EventsPublished,
		"events_failed":         b.metrics.EventsFailed,
		"summaries_published":   b.metrics.SummariesSent,
		"observations_received": b.metrics.ObservationsIn,
		"messages_acked":        b.metrics.MessagesAcked,
		"messages_naked":        b.metrics.MessagesNaked,
		"control_requests":      b.metrics.ControlRequests,
	}
}

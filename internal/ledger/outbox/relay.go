// Package outbox relays committed audit events to Kafka.
//
// Events are written to the ledger inside the same transaction as the state change they
// describe. The relay polls the rows that have not been published yet, produces them
// keyed by process id (so a process's events stay ordered within one partition) and
// marks them published. Delivery is at-least-once; consumers dedupe on the event_id
// header.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/platform/circuit"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventKind = "event_kind"

	defaultBatchSize = 100
	defaultInterval  = time.Second

	defaultOpenInterval = 30 * time.Second
)

// Producer is the part of *kgo.Client the relay needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay publishes outbox rows.
type Relay struct {
	store     storage.OutboxStore
	producer  Producer
	topic     string
	logger    *slog.Logger
	limiter   *rate.Limiter
	batchSize int
	interval  time.Duration

	breaker      *circuit.Breaker
	openInterval time.Duration
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithInterval sets how long the relay sleeps after an empty poll.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBreaker replaces the default breaker. While it is open the relay polls every
// openInterval instead of every interval.
func WithBreaker(b *circuit.Breaker, openInterval time.Duration) Option {
	return func(r *Relay) {
		r.breaker = b
		if openInterval > 0 {
			r.openInterval = openInterval
		}
	}
}

// WithRateLimit caps the number of batches produced per second.
func WithRateLimit(batchesPerSecond float64, burst int) Option {
	return func(r *Relay) { r.limiter = rate.NewLimiter(rate.Limit(batchesPerSecond), burst) }
}

func New(store storage.OutboxStore, producer Producer, topic string, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		producer:  producer,
		topic:     topic,
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		batchSize: defaultBatchSize,
		interval:  defaultInterval,

		breaker:      circuit.New("kafka-outbox"),
		openInterval: defaultOpenInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is done. Publish failures are logged and retried on the next poll.
func (r *Relay) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		n, err := r.RelayOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timer.Reset(r.nextWait(ctx, n, err))
	}
}

// nextWait feeds the outcome of one poll to the breaker and picks the pause before
// the next one. An open breaker slows polling down to openInterval.
func (r *Relay) nextWait(ctx context.Context, n int, err error) time.Duration {
	if err != nil {
		_, change := r.breaker.RecordFailure()
		switch {
		case change.Opened:
			r.logger.ErrorContext(ctx, "outbox relay circuit opened", "breaker", r.breaker.Name(), "error", err)
		case !r.breaker.IsOpen():
			r.logger.ErrorContext(ctx, "outbox relay failed", "error", err, "published", n)
		}
	} else if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "outbox relay circuit closed", "breaker", r.breaker.Name())
	}

	switch {
	case r.breaker.IsOpen():
		return r.openInterval
	case err == nil && n == r.batchSize:
		return 0
	default:
		return r.interval
	}
}

// RelayOnce publishes one batch and returns how many events were marked published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.store.Unpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		rec, err := r.record(ev)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
	}

	results := r.producer.ProduceSync(ctx, records...)
	published := make([]id.EventID, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if eventID, ok := eventIDOf(res.Record); ok {
			published = append(published, eventID)
		}
	}
	if len(published) > 0 {
		if err := r.store.MarkPublished(ctx, published, time.Now()); err != nil {
			return 0, err
		}
		r.logger.DebugContext(ctx, "outbox batch relayed", "topic", r.topic, "published", len(published))
	}
	return len(published), results.FirstErr()
}

func (r *Relay) record(ev *domain.AuditEvent) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: r.topic,
		Key:   []byte(ev.ProcessID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(ev.ID.String())},
			{Key: HeaderEventKind, Value: []byte(ev.Kind)},
		},
		Timestamp: ev.OccurredAt,
	}, nil
}

func eventIDOf(rec *kgo.Record) (id.EventID, bool) {
	if rec == nil {
		return id.EventID{}, false
	}
	for _, h := range rec.Headers {
		if h.Key != HeaderEventID {
			continue
		}
		var eventID id.EventID
		if err := eventID.UnmarshalText(h.Value); err != nil {
			return id.EventID{}, false
		}
		return eventID, true
	}
	return id.EventID{}, false
}

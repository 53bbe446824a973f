package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

var (
	outboxPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_events_published_total",
		Help: "Total number of dispatch events delivered to the broker.",
	})
	outboxFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_events_failed_total",
		Help: "Dispatch events dropped after exhausting retries or because the queue was full.",
	})
	outboxLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_events_lag_seconds",
		Help: "Age of the most recently delivered event when it left the queue.",
	})
)

// ErrQueueFull is returned when the outbox buffer cannot take another event.
var ErrQueueFull = errors.New("event queue full")

// OutboxConfig defines tunables for the background publisher.
type OutboxConfig struct {
	BufferSize int
	RetryMax   int
	Backoff    time.Duration
}

type envelope struct {
	ctx    context.Context
	event  domain.DispatchEvent
	queued time.Time
}

// Outbox decouples the dispatch path from the broker: Publish enqueues and Run
// delivers with retries.
type Outbox struct {
	queue     chan envelope
	publisher domain.EventPublisher
	logger    *zap.Logger
	cfg       OutboxConfig
	tracer    trace.Tracer
}

// NewOutbox constructs an outbox in front of publisher.
func NewOutbox(publisher domain.EventPublisher, logger *zap.Logger, cfg OutboxConfig) *Outbox {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		queue:     make(chan envelope, cfg.BufferSize),
		publisher: publisher,
		logger:    logger.Named("outbox"),
		cfg:       cfg,
		tracer:    otel.Tracer("dispatch.events.outbox"),
	}
}

// Publish satisfies domain.EventPublisher without blocking on the broker.
func (o *Outbox) Publish(ctx context.Context, event domain.DispatchEvent) error {
	env := envelope{ctx: context.WithoutCancel(ctx), event: event, queued: time.Now()}
	select {
	case o.queue <- env:
		return nil
	default:
		outboxFailTotal.Inc()
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already queued once without retrying.
func (o *Outbox) Run(ctx context.Context) error {
	if o.publisher == nil {
		return errors.New("outbox requires a publisher")
	}
	for {
		select {
		case env := <-o.queue:
			if err := o.publishWithRetry(ctx, env); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("event dropped", zap.String("type", string(env.event.Type)), zap.Error(err))
			}
		case <-ctx.Done():
			o.flush()
			return ctx.Err()
		}
	}
}

func (o *Outbox) flush() {
	for {
		select {
		case env := <-o.queue:
			if err := o.publisher.Publish(env.ctx, env.event); err != nil {
				outboxFailTotal.Inc()
				o.logger.Warn("event dropped on shutdown", zap.String("type", string(env.event.Type)), zap.Error(err))
				continue
			}
			outboxPublishTotal.Inc()
		default:
			return
		}
	}
}

func (o *Outbox) publishWithRetry(ctx context.Context, env envelope) error {
	pubCtx, span := o.tracer.Start(env.ctx, "events.publish")
	defer span.End()
	var attempt int
	for {
		attempt++
		err := o.publisher.Publish(pubCtx, env.event)
		if err == nil {
			outboxPublishTotal.Inc()
			outboxLagSeconds.Set(time.Since(env.queued).Seconds())
			return nil
		}
		o.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.String("taxi_id", env.event.TaxiID))
		if attempt >= o.cfg.RetryMax {
			outboxFailTotal.Inc()
			return fmt.Errorf("publish %s for %s: %w", env.event.Type, env.event.TaxiID, err)
		}
		backoff := time.Duration(attempt*attempt) * o.cfg.Backoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

// DefaultSubject carries dispatch lifecycle events.
const DefaultSubject = "taxi.events"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher writes dispatch events to a NATS subject.
type NATSPublisher struct {
	conn    msgPublisher
	subject string
}

// NewNATSPublisher builds a publisher using the provided NATS connection.
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	if conn == nil {
		return &NATSPublisher{subject: subject}
	}
	return newPublisher(conn, subject)
}

func newPublisher(conn msgPublisher, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher. A publisher without a connection
// silently drops events.
func (p *NATSPublisher) Publish(ctx context.Context, event domain.DispatchEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	msg, err := encode(ctx, p.subject, event)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func encode(ctx context.Context, subject string, event domain.DispatchEvent) (*nats.Msg, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	return msg, nil
}

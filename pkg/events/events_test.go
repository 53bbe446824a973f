package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (c *recordingConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type flakyPublisher struct {
	base    domain.EventPublisher
	failFor int32
	calls   int32
}

func (f *flakyPublisher) Publish(ctx context.Context, event domain.DispatchEvent) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.Publish(ctx, event)
}

func dispatched(taxiID string) domain.DispatchEvent {
	return domain.DispatchEvent{
		Type:             domain.EventTaxiDispatched,
		TaxiID:           taxiID,
		DispatchID:       "d-1",
		DistanceMeters:   1200,
		EstimatedMinutes: 3,
		OccurredAt:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNATSPublisherEncodesEvent(t *testing.T) {
	conn := &recordingConn{}
	pub := newPublisher(conn, "")

	require.NoError(t, pub.Publish(context.Background(), dispatched("t1")))
	require.Equal(t, 1, conn.count())

	msg := conn.msgs[0]
	require.Equal(t, DefaultSubject, msg.Subject)
	require.Equal(t, string(domain.EventTaxiDispatched), msg.Header.Get("x-event-type"))

	var got domain.DispatchEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "t1", got.TaxiID)
	require.Equal(t, 3, got.EstimatedMinutes)
}

func TestNATSPublisherWithoutConnectionIsNoop(t *testing.T) {
	var nilPub *NATSPublisher
	require.NoError(t, nilPub.Publish(context.Background(), dispatched("t1")))
	require.NoError(t, NewNATSPublisher(nil, "x").Publish(context.Background(), dispatched("t1")))
}

func TestOutboxRetriesUntilDelivered(t *testing.T) {
	conn := &recordingConn{}
	flaky := &flakyPublisher{base: newPublisher(conn, "taxi.events"), failFor: 2}
	box := NewOutbox(flaky, nil, OutboxConfig{RetryMax: 5, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- box.Run(ctx) }()

	require.NoError(t, box.Publish(context.Background(), dispatched("t1")))
	require.Eventually(t, func() bool { return conn.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestOutboxRejectsWhenFull(t *testing.T) {
	box := NewOutbox(newPublisher(&recordingConn{}, ""), nil, OutboxConfig{BufferSize: 1})
	require.NoError(t, box.Publish(context.Background(), dispatched("t1")))
	require.ErrorIs(t, box.Publish(context.Background(), dispatched("t2")), ErrQueueFull)
}

func TestOutboxFlushesOnShutdown(t *testing.T) {
	conn := &recordingConn{}
	box := NewOutbox(newPublisher(conn, ""), nil, OutboxConfig{BufferSize: 4})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, box.Publish(context.Background(), dispatched(id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, box.Run(ctx), context.Canceled)
	require.Equal(t, 3, conn.count())
}

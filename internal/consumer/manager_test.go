package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/internal/eventstore"
	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
)

type fixture struct {
	manager *Manager
	store   eventstore.Store
	queue   *dlq.Queue
}

func newFixture(t *testing.T, mutate func(*config.EventingConfig)) *fixture {
	t.Helper()

	store, err := eventstore.NewStore(eventstore.NewMemoryBackend(), nil)
	require.NoError(t, err)

	queue, err := dlq.NewQueue(dlq.NewMemoryBackend(), config.DLQConfig{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Minute,
		Retention:         time.Hour,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(queue.Shutdown)

	cfg := config.EventingConfig{
		DefaultBatchSize:  50,
		MaxBatchSize:      500,
		AckTimeout:        30 * time.Second,
		PublishBatchLimit: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	manager, err := NewManager(NewMemoryBackend(), store, queue, nil, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)

	return &fixture{manager: manager, store: store, queue: queue}
}

func (f *fixture) append(t *testing.T, eventType enums.EventType, payload map[string]any) event.Envelope {
	t.Helper()
	env, err := f.store.Append(context.Background(), eventstore.AppendInput{
		EventType: eventType,
		Producer:  "booking-service",
		Payload:   payload,
	})
	require.NoError(t, err)
	return *env
}

func TestRegisterAndLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c, err := f.manager.Register(ctx, "notification-service", "")
	require.NoError(t, err)
	require.NotEmpty(t, c.ConsumerID)
	require.True(t, c.Active)

	_, err = f.manager.Register(ctx, "  ", "")
	require.Error(t, err)
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	require.NoError(t, f.manager.Deactivate(ctx, c.ConsumerID))
	got, err := f.manager.GetConsumer(ctx, c.ConsumerID)
	require.NoError(t, err)
	require.False(t, got.Active)

	err = f.manager.Deactivate(ctx, "missing")
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestRemoveCascadesSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c, err := f.manager.Register(ctx, "matching-service", "")
	require.NoError(t, err)
	_, err = f.manager.Subscribe(ctx, c.ConsumerID, []string{"bookings.*"}, "")
	require.NoError(t, err)

	require.NoError(t, f.manager.Remove(ctx, c.ConsumerID))

	_, err = f.manager.GetConsumer(ctx, c.ConsumerID)
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())

	subs, err := f.manager.Subscriptions(ctx, c.ConsumerID)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	_, err = f.manager.Subscribe(ctx, "missing", []string{"bookings.*"}, "")
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())

	_, err = f.manager.Subscribe(ctx, c.ConsumerID, nil, "")
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = f.manager.Subscribe(ctx, c.ConsumerID, []string{"shipping.*"}, "")
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	sub, err := f.manager.Subscribe(ctx, c.ConsumerID, []string{string(enums.EventBookingCreated), "payments.*"}, "")
	require.NoError(t, err)
	require.Len(t, sub.EventTypes, 2)
}

func TestPullFiltersExactType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	f.append(t, enums.EventBookingCancelled, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "payments-service", "")
	require.NoError(t, err)

	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{string(enums.EventBookingCreated)}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, created.EventID, events[0].EventID)
}

func TestPullWildcardMergesDomain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	f.append(t, enums.EventBookingConfirmed, map[string]any{"booking_id": "b-1"})
	f.append(t, enums.EventPaymentSettled, map[string]any{"payment_id": "p-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Less(t, events[0].Sequence, events[1].Sequence)
}

func TestPullDeduplicatesOverlappingPatterns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*", string(enums.EventBookingCreated)}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPullClampsBatchSize(t *testing.T) {
	f := newFixture(t, func(cfg *config.EventingConfig) {
		cfg.DefaultBatchSize = 2
		cfg.MaxBatchSize = 3
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	}

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2, "zero batch size falls back to the default")

	events, err = f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{BatchSize: 100})
	require.NoError(t, err)
	require.Len(t, events, 3, "oversized requests clamp to the maximum")
}

func TestPullRejectsInactiveConsumer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.Deactivate(ctx, c.ConsumerID))

	_, err = f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{})
	require.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestAckAdvancesOffsetPullDoesNot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	second := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-2"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	pattern := string(enums.EventBookingCreated)
	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{pattern}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// unacked pull leaves the watermark untouched
	again, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{pattern}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, again, 2)

	require.NoError(t, f.manager.Acknowledge(ctx, c.ConsumerID, first.EventID, pattern))

	after, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{pattern}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, second.EventID, after[0].EventID)

	// re-acking is a harmless no-op
	require.NoError(t, f.manager.Acknowledge(ctx, c.ConsumerID, first.EventID, pattern))
}

func TestSubscribeFromOffsetSkipsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	fresh := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-2"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	pattern := string(enums.EventBookingCreated)
	_, err = f.manager.Subscribe(ctx, c.ConsumerID, []string{pattern}, old.EventID)
	require.NoError(t, err)

	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{pattern}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fresh.EventID, events[0].EventID)
}

func TestAckTimeoutReportsToDLQ(t *testing.T) {
	f := newFixture(t, func(cfg *config.EventingConfig) {
		cfg.AckTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	env := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	_, err = f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := f.queue.List(ctx, dlq.Filter{ConsumerID: c.ConsumerID})
		return err == nil && len(entries) == 1 && entries[0].EventID == env.EventID
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := f.queue.List(ctx, dlq.Filter{ConsumerID: c.ConsumerID})
	require.NoError(t, err)
	require.Contains(t, entries[0].LastError, "acknowledgement timeout")
}

func TestAckCancelsTimeoutTimer(t *testing.T) {
	f := newFixture(t, func(cfg *config.EventingConfig) {
		cfg.AckTimeout = 40 * time.Millisecond
	})
	ctx := context.Background()

	env := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	_, err = f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Acknowledge(ctx, c.ConsumerID, env.EventID, "bookings.*"))

	time.Sleep(120 * time.Millisecond)

	entries, err := f.queue.List(ctx, dlq.Filter{ConsumerID: c.ConsumerID})
	require.NoError(t, err)
	require.Empty(t, entries, "acked delivery must never reach the dead-letter queue")
}

func TestNegativeAckReportsWithoutMovingOffset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	env := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	pattern := string(enums.EventBookingCreated)
	_, err = f.manager.PullEvents(ctx, c.ConsumerID, []string{pattern}, PullOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.NegativeAck(ctx, c.ConsumerID, env.EventID, "payload rejected"))

	entries, err := f.queue.List(ctx, dlq.Filter{ConsumerID: c.ConsumerID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].LastError, "payload rejected")

	// offset unmoved, the event is redeliverable
	events, err := f.manager.PullEvents(ctx, c.ConsumerID, []string{pattern}, PullOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestConsumerLag(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-2"})
	f.append(t, enums.EventBookingConfirmed, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	pattern := "bookings.*"
	lag, err := f.manager.ConsumerLag(ctx, c.ConsumerID, pattern)
	require.NoError(t, err)
	require.EqualValues(t, 3, lag, "never consumed means the whole domain is lag")

	require.NoError(t, f.manager.Acknowledge(ctx, c.ConsumerID, first.EventID, pattern))

	lag, err = f.manager.ConsumerLag(ctx, c.ConsumerID, pattern)
	require.NoError(t, err)
	require.EqualValues(t, 2, lag)
}

func TestShutdownCancelsPendingTimers(t *testing.T) {
	f := newFixture(t, func(cfg *config.EventingConfig) {
		cfg.AckTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})

	c, err := f.manager.Register(ctx, "audit-service", "")
	require.NoError(t, err)

	_, err = f.manager.PullEvents(ctx, c.ConsumerID, []string{"bookings.*"}, PullOptions{})
	require.NoError(t, err)

	f.manager.Shutdown()
	time.Sleep(100 * time.Millisecond)

	entries, err := f.queue.List(ctx, dlq.Filter{ConsumerID: c.ConsumerID})
	require.NoError(t, err)
	require.Empty(t, entries, "no timer may fire after shutdown")
}

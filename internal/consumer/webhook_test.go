package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/enums"
)

func newWebhookQueue(t *testing.T) *dlq.Queue {
	t.Helper()
	queue, err := dlq.NewQueue(dlq.NewMemoryBackend(), config.DLQConfig{
		MaxRetries:        5,
		InitialDelay:      10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          100 * time.Millisecond,
		Retention:         time.Hour,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(queue.Shutdown)
	return queue
}

func webhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Timeout:        time.Second,
		MaxRetries:     3,
		RetryDelayBase: 5 * time.Millisecond,
	}
}

func webhookEnvelope() event.Envelope {
	return event.Envelope{
		EventID:       "evt-1",
		EventType:     enums.EventBookingCreated,
		EventVersion:  1,
		CorrelationID: "corr-1",
		Producer:      "booking-service",
		Payload:       map[string]any{"booking_id": "b-1"},
		Sequence:      7,
	}
}

func TestDeliverPostsEnvelopeWithHeaders(t *testing.T) {
	var mu sync.Mutex
	var gotHeaders http.Header
	var gotBody event.Envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := newWebhookQueue(t)
	d := NewDispatcher(webhookConfig(), queue, nil, nil)

	env := webhookEnvelope()
	d.Deliver(context.Background(), Consumer{ConsumerID: "c-1", WebhookURL: server.URL}, env)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, env.EventID, gotBody.EventID)
	require.Equal(t, env.Payload["booking_id"], gotBody.Payload["booking_id"])
	require.Equal(t, "evt-1", gotHeaders.Get("X-Event-ID"))
	require.Equal(t, string(enums.EventBookingCreated), gotHeaders.Get("X-Event-Type"))
	require.Equal(t, "bookings", gotHeaders.Get("X-Event-Domain"))
	require.Equal(t, "7", gotHeaders.Get("X-Event-Sequence"))
	require.Equal(t, "corr-1", gotHeaders.Get("X-Correlation-ID"))

	entries, err := queue.List(context.Background(), dlq.Filter{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := newWebhookQueue(t)
	d := NewDispatcher(webhookConfig(), queue, nil, nil)

	d.Deliver(context.Background(), Consumer{ConsumerID: "c-1", WebhookURL: server.URL}, webhookEnvelope())

	require.Equal(t, int32(3), calls.Load())
	entries, err := queue.List(context.Background(), dlq.Filter{})
	require.NoError(t, err)
	require.Empty(t, entries, "a recovered delivery never reaches the dead-letter queue")
}

func TestDeliverExhaustionHandsToDLQ(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	queue := newWebhookQueue(t)
	cfg := webhookConfig()
	d := NewDispatcher(cfg, queue, nil, nil)

	d.Deliver(context.Background(), Consumer{ConsumerID: "c-1", WebhookURL: server.URL}, webhookEnvelope())

	require.GreaterOrEqual(t, calls.Load(), int32(cfg.MaxRetries))

	entries, err := queue.List(context.Background(), dlq.Filter{ConsumerID: "c-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "evt-1", entries[0].EventID)
	require.Contains(t, entries[0].LastError, "webhook returned status 500")
}

func TestScheduledRetryResolvesAfterRecovery(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	queue := newWebhookQueue(t)
	d := NewDispatcher(webhookConfig(), queue, nil, nil)

	ctx := context.Background()
	d.Deliver(ctx, Consumer{ConsumerID: "c-1", WebhookURL: server.URL}, webhookEnvelope())

	entries, err := queue.List(ctx, dlq.Filter{ConsumerID: "c-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	healthy.Store(true)

	require.Eventually(t, func() bool {
		got, err := queue.Get(ctx, entries[0].DLQID)
		return err == nil && got.Status == enums.DLQStatusResolved
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFanoutIsolatesConsumers(t *testing.T) {
	var fastCalls atomic.Int32
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fastCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer fast.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	f := newFixture(t, nil)
	f.manager.dispatcher = NewDispatcher(webhookConfig(), f.queue, nil, nil)
	ctx := context.Background()

	fastConsumer, err := f.manager.Register(ctx, "fast-service", fast.URL)
	require.NoError(t, err)
	slowConsumer, err := f.manager.Register(ctx, "slow-service", slow.URL)
	require.NoError(t, err)
	pullOnly, err := f.manager.Register(ctx, "pull-only-service", "")
	require.NoError(t, err)

	for _, id := range []string{fastConsumer.ConsumerID, slowConsumer.ConsumerID, pullOnly.ConsumerID} {
		_, err = f.manager.Subscribe(ctx, id, []string{"bookings.*"}, "")
		require.NoError(t, err)
	}

	env := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	require.NoError(t, f.manager.DeliverToWebhooks(ctx, env))

	require.Eventually(t, func() bool {
		return fastCalls.Load() == 1
	}, time.Second, 5*time.Millisecond, "the slow consumer must not delay the fast one")
}

func TestDeactivatedConsumerSkippedByFanout(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.manager.dispatcher = NewDispatcher(webhookConfig(), f.queue, nil, nil)
	ctx := context.Background()

	c, err := f.manager.Register(ctx, "audit-service", server.URL)
	require.NoError(t, err)
	_, err = f.manager.Subscribe(ctx, c.ConsumerID, []string{"bookings.*"}, "")
	require.NoError(t, err)
	require.NoError(t, f.manager.Deactivate(ctx, c.ConsumerID))

	env := f.append(t, enums.EventBookingCreated, map[string]any{"booking_id": "b-1"})
	require.NoError(t, f.manager.DeliverToWebhooks(ctx, env))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, calls.Load())
}

func TestScheduledRetryHonorsDeactivation(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	queue := newWebhookQueue(t)
	d := NewDispatcher(webhookConfig(), queue, nil, nil)

	var active atomic.Bool
	active.Store(true)
	d.resolve = func(_ context.Context, consumerID string) (*Consumer, error) {
		return &Consumer{ConsumerID: consumerID, WebhookURL: server.URL, Active: active.Load()}, nil
	}

	d.Deliver(context.Background(), Consumer{ConsumerID: "c-1", WebhookURL: server.URL}, webhookEnvelope())
	attemptsAtExhaustion := calls.Load()
	require.EqualValues(t, 3, attemptsAtExhaustion)

	active.Store(false)

	// the rescheduled retries keep burning the budget without touching
	// the webhook, so the entry escalates to pending
	require.Eventually(t, func() bool {
		entries, err := queue.List(context.Background(), dlq.Filter{Status: enums.DLQStatusPending})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, attemptsAtExhaustion, calls.Load())
}

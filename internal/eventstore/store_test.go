package eventstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(NewMemoryBackend(), nil)
	require.NoError(t, err)
	return store
}

func TestAppendAssignsDefaults(t *testing.T) {
	store := newTestStore(t)

	env, err := store.Append(context.Background(), AppendInput{
		EventType: enums.EventBookingCreated,
		Producer:  "booking-service",
		Payload:   map[string]any{"booking_id": "b-1"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, env.EventID)
	require.NotEmpty(t, env.CorrelationID)
	require.Equal(t, 1, env.EventVersion)
	require.Equal(t, int64(1), env.Sequence)
	require.False(t, env.OccurredAt.IsZero())
}

func TestAppendSequencesPerDomain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, AppendInput{EventType: enums.EventBookingCreated, Producer: "booking-service"})
		require.NoError(t, err)
	}
	paymentEnv, err := store.Append(ctx, AppendInput{EventType: enums.EventPaymentSettled, Producer: "payment-service"})
	require.NoError(t, err)

	// independent domains never block each other's ordering
	require.Equal(t, int64(1), paymentEnv.Sequence)

	bookings, err := store.GetEvents(ctx, Query{Domain: enums.DomainBookings})
	require.NoError(t, err)
	require.Len(t, bookings, 3)
	for i, env := range bookings {
		require.Equal(t, int64(i+1), env.Sequence)
	}
}

func TestAppendConcurrentSequenceMonotonicity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const appends = 200
	var wg sync.WaitGroup
	wg.Add(appends)
	for i := 0; i < appends; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, AppendInput{EventType: enums.EventRequestCreated, Producer: "request-service"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := store.GetEvents(ctx, Query{Domain: enums.DomainRequests})
	require.NoError(t, err)
	require.Len(t, events, appends)
	for i, env := range events {
		require.Equal(t, int64(i+1), env.Sequence, "no gaps or repeats under concurrent appends")
	}
}

func TestGetEventsAfterEventID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var anchorID string
	for i := 0; i < 5; i++ {
		env, err := store.Append(ctx, AppendInput{EventType: enums.EventBookingConfirmed, Producer: "booking-service"})
		require.NoError(t, err)
		if i == 1 {
			anchorID = env.EventID
		}
	}

	events, err := store.GetEvents(ctx, Query{Domain: enums.DomainBookings, AfterEventID: anchorID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(3), events[0].Sequence)

	limited, err := store.GetEvents(ctx, Query{Domain: enums.DomainBookings, AfterEventID: anchorID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestGetEventsUnknownAnchor(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetEvents(context.Background(), Query{Domain: enums.DomainBookings, AfterEventID: "missing"})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestGetEventTraceSpansDomains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, AppendInput{EventType: enums.EventBookingCreated, Producer: "booking-service"})
	require.NoError(t, err)

	_, err = store.Append(ctx, AppendInput{
		EventType:     enums.EventPaymentAuthorized,
		CorrelationID: first.CorrelationID,
		Producer:      "payment-service",
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, AppendInput{EventType: enums.EventPaymentSettled, Producer: "payment-service"})
	require.NoError(t, err)

	trace, err := store.GetEventTrace(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace, 2)
	require.Equal(t, first.EventID, trace[0].EventID)
}

func TestReplayAggregate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.Append(ctx, AppendInput{
			EventType:   enums.EventBookingCreated,
			AggregateID: "booking-42",
			Producer:    "booking-service",
		})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, AppendInput{
		EventType:   enums.EventBookingCreated,
		AggregateID: "booking-7",
		Producer:    "booking-service",
	})
	require.NoError(t, err)

	replay, err := store.ReplayAggregate(ctx, "booking-42")
	require.NoError(t, err)
	require.Len(t, replay, 2)
	require.Less(t, replay[0].Sequence, replay[1].Sequence)
}

func TestStoredEnvelopesAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	env, err := store.Append(ctx, AppendInput{
		EventType: enums.EventBookingCreated,
		Producer:  "booking-service",
		Payload:   map[string]any{"booking_id": "b-1"},
	})
	require.NoError(t, err)

	// mutating the returned copy must not touch the stored record
	env.Payload["booking_id"] = "tampered"

	reloaded, err := store.EventByID(ctx, env.EventID)
	require.NoError(t, err)
	require.Equal(t, "b-1", reloaded.Payload["booking_id"])
}

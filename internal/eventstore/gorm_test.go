package eventstore

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voyagio/eventbus/pkg/db/models"
	"github.com/voyagio/eventbus/pkg/enums"
)

func newSQLiteBackend(t *testing.T) *GormBackend {
	t.Helper()

	silent := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: silent})
	require.NoError(t, err)

	require.NoError(t, conn.AutoMigrate(&models.EventRecord{}, &models.DomainSequence{}))
	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	backend, err := NewGormBackend(conn)
	require.NoError(t, err)
	return backend
}

func TestGormBackendRoundTrip(t *testing.T) {
	backend := newSQLiteBackend(t)
	store, err := NewStore(backend, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Append(ctx, AppendInput{
		EventType:   enums.EventBookingCreated,
		AggregateID: "booking-1",
		Producer:    "booking-service",
		Payload:     map[string]any{"booking_id": "b-1", "total": 420.5},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Sequence)

	second, err := store.Append(ctx, AppendInput{
		EventType:   enums.EventBookingConfirmed,
		AggregateID: "booking-1",
		Producer:    "booking-service",
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Sequence)

	other, err := store.Append(ctx, AppendInput{
		EventType: enums.EventPaymentSettled,
		Producer:  "payment-service",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), other.Sequence, "payments sequence independent of bookings")

	reloaded, err := store.EventByID(ctx, first.EventID)
	require.NoError(t, err)
	require.Equal(t, "b-1", reloaded.Payload["booking_id"])
	require.Equal(t, first.CorrelationID, reloaded.CorrelationID)

	events, err := store.GetEvents(ctx, Query{Domain: enums.DomainBookings, AfterEventID: first.EventID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, second.EventID, events[0].EventID)

	count, err := store.CountAfter(ctx, enums.DomainBookings, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	replay, err := store.ReplayAggregate(ctx, "booking-1")
	require.NoError(t, err)
	require.Len(t, replay, 2)
}

func TestGormBackendTraceOrdering(t *testing.T) {
	backend := newSQLiteBackend(t)
	store, err := NewStore(backend, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Append(ctx, AppendInput{EventType: enums.EventRequestCreated, Producer: "request-service"})
	require.NoError(t, err)
	_, err = store.Append(ctx, AppendInput{
		EventType:     enums.EventMatchSuggested,
		CorrelationID: first.CorrelationID,
		Producer:      "matching-service",
	})
	require.NoError(t, err)

	trace, err := store.GetEventTrace(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace, 2)
	require.Equal(t, enums.EventRequestCreated, trace[0].EventType)
	require.Equal(t, enums.EventMatchSuggested, trace[1].EventType)
}

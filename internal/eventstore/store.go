package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
)

// AppendInput carries a schema-validated event into the store. Content checks
// happen upstream; Append only fails on backend unavailability.
type AppendInput struct {
	EventType     enums.EventType
	EventVersion  int
	CorrelationID string
	AggregateID   string
	Producer      string
	Payload       map[string]any
}

// Query selects a slice of one domain's log.
type Query struct {
	Domain       enums.Domain
	AfterEventID string
	Limit        int
}

// Store exposes the append-only event log.
type Store interface {
	Append(ctx context.Context, input AppendInput) (*event.Envelope, error)
	GetEvents(ctx context.Context, q Query) ([]event.Envelope, error)
	GetEventTrace(ctx context.Context, correlationID string) ([]event.Envelope, error)
	ReplayAggregate(ctx context.Context, aggregateID string) ([]event.Envelope, error)
	EventByID(ctx context.Context, eventID string) (*event.Envelope, error)
	CountAfter(ctx context.Context, domain enums.Domain, afterSeq int64) (int64, error)
	Ping(ctx context.Context) error
}

type store struct {
	backend Backend
	logg    *logger.Logger
}

// NewStore builds a Store on top of the given backend.
func NewStore(backend Backend, logg *logger.Logger) (Store, error) {
	if backend == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event store backend is required")
	}
	return &store{backend: backend, logg: logg}, nil
}

// Append assigns identity and sequence, then persists the envelope.
func (s *store) Append(ctx context.Context, input AppendInput) (*event.Envelope, error) {
	env := event.Envelope{
		EventID:       uuid.NewString(),
		EventType:     input.EventType,
		EventVersion:  input.EventVersion,
		CorrelationID: input.CorrelationID,
		AggregateID:   input.AggregateID,
		Producer:      input.Producer,
		Payload:       input.Payload,
		OccurredAt:    time.Now().UTC(),
	}
	if env.EventVersion <= 0 {
		env.EventVersion = 1
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}

	if err := s.backend.Append(ctx, &env); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "appending event")
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_id":   env.EventID,
			"event_type": env.EventType,
			"domain":     env.Domain(),
			"sequence":   env.Sequence,
		})
		s.logg.Info(logCtx, "event appended")
	}
	return &env, nil
}

// GetEvents returns a domain's log in ascending sequence order, strictly
// after the named event when one is given.
func (s *store) GetEvents(ctx context.Context, q Query) ([]event.Envelope, error) {
	var afterSeq int64
	if q.AfterEventID != "" {
		anchor, err := s.backend.GetByID(ctx, q.AfterEventID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolving after-event")
		}
		if anchor == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "after-event not found")
		}
		if anchor.Domain() != q.Domain {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "after-event belongs to another domain")
		}
		afterSeq = anchor.Sequence
	}

	events, err := s.backend.ListDomain(ctx, q.Domain, afterSeq, q.Limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing events")
	}
	return events, nil
}

func (s *store) GetEventTrace(ctx context.Context, correlationID string) ([]event.Envelope, error) {
	if correlationID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "correlation id is required")
	}
	events, err := s.backend.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "tracing correlation")
	}
	return events, nil
}

func (s *store) ReplayAggregate(ctx context.Context, aggregateID string) ([]event.Envelope, error) {
	if aggregateID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "aggregate id is required")
	}
	events, err := s.backend.ListByAggregate(ctx, aggregateID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "replaying aggregate")
	}
	return events, nil
}

func (s *store) EventByID(ctx context.Context, eventID string) (*event.Envelope, error) {
	env, err := s.backend.GetByID(ctx, eventID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading event")
	}
	return env, nil
}

func (s *store) CountAfter(ctx context.Context, domain enums.Domain, afterSeq int64) (int64, error) {
	count, err := s.backend.CountDomainAfter(ctx, domain, afterSeq)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "counting events")
	}
	return count, nil
}

func (s *store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

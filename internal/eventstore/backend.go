package eventstore

import (
	"context"

	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/enums"
)

// Backend is the storage contract behind the event store. Append must
// serialize sequence assignment per domain: two concurrent appends to the
// same domain never receive the same sequence number.
type Backend interface {
	// Append assigns env.Sequence and persists the envelope.
	Append(ctx context.Context, env *event.Envelope) error

	// GetByID returns the envelope with the given id, or nil when absent.
	GetByID(ctx context.Context, eventID string) (*event.Envelope, error)

	// ListDomain returns envelopes in a domain with sequence strictly greater
	// than afterSeq, ascending. limit <= 0 means unbounded.
	ListDomain(ctx context.Context, domain enums.Domain, afterSeq int64, limit int) ([]event.Envelope, error)

	// CountDomainAfter returns how many envelopes in a domain have sequence
	// strictly greater than afterSeq.
	CountDomainAfter(ctx context.Context, domain enums.Domain, afterSeq int64) (int64, error)

	// ListByCorrelation returns every envelope sharing a correlation id,
	// across domains, ordered by occurred_at.
	ListByCorrelation(ctx context.Context, correlationID string) ([]event.Envelope, error)

	// ListByAggregate returns every envelope for an aggregate, across
	// domains, ordered by sequence.
	ListByAggregate(ctx context.Context, aggregateID string) ([]event.Envelope, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

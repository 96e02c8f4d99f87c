package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/enums"
)

// MemoryBackend is the reference in-memory event store. Envelopes are kept
// per domain in append order, so slice position mirrors sequence.
type MemoryBackend struct {
	mtx       sync.RWMutex
	byID      map[string]*event.Envelope
	byDomain  map[enums.Domain][]*event.Envelope
	sequences map[enums.Domain]int64
}

// NewMemoryBackend builds an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:      make(map[string]*event.Envelope),
		byDomain:  make(map[enums.Domain][]*event.Envelope),
		sequences: make(map[enums.Domain]int64),
	}
}

// Append assigns the next per-domain sequence under the write lock.
func (b *MemoryBackend) Append(_ context.Context, env *event.Envelope) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	domain := env.Domain()
	b.sequences[domain]++
	env.Sequence = b.sequences[domain]

	stored := env.Clone()
	b.byID[stored.EventID] = &stored
	b.byDomain[domain] = append(b.byDomain[domain], &stored)
	return nil
}

func (b *MemoryBackend) GetByID(_ context.Context, eventID string) (*event.Envelope, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	stored, ok := b.byID[eventID]
	if !ok {
		return nil, nil
	}
	out := stored.Clone()
	return &out, nil
}

func (b *MemoryBackend) ListDomain(_ context.Context, domain enums.Domain, afterSeq int64, limit int) ([]event.Envelope, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	entries := b.byDomain[domain]
	start := sort.Search(len(entries), func(i int) bool {
		return entries[i].Sequence > afterSeq
	})

	out := []event.Envelope{}
	for i := start; i < len(entries); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, entries[i].Clone())
	}
	return out, nil
}

func (b *MemoryBackend) CountDomainAfter(_ context.Context, domain enums.Domain, afterSeq int64) (int64, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	entries := b.byDomain[domain]
	start := sort.Search(len(entries), func(i int) bool {
		return entries[i].Sequence > afterSeq
	})
	return int64(len(entries) - start), nil
}

func (b *MemoryBackend) ListByCorrelation(_ context.Context, correlationID string) ([]event.Envelope, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	out := []event.Envelope{}
	for _, entries := range b.byDomain {
		for _, stored := range entries {
			if stored.CorrelationID == correlationID {
				out = append(out, stored.Clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func (b *MemoryBackend) ListByAggregate(_ context.Context, aggregateID string) ([]event.Envelope, error) {
	if aggregateID == "" {
		return []event.Envelope{}, nil
	}

	b.mtx.RLock()
	defer b.mtx.RUnlock()

	out := []event.Envelope{}
	for _, entries := range b.byDomain {
		for _, stored := range entries {
			if stored.AggregateID == aggregateID {
				out = append(out, stored.Clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

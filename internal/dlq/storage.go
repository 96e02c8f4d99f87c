package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/enums"
)

// Entry records the delivery failures of one event for one consumer.
type Entry struct {
	DLQID         string          `json:"dlq_id"`
	EventID       string          `json:"event_id"`
	Event         event.Envelope  `json:"event"`
	ConsumerID    string          `json:"consumer_id"`
	FailureCount  int             `json:"failure_count"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	LastError     string          `json:"last_error"`
	Status        enums.DLQStatus `json:"status"`
	DiscardReason string          `json:"discard_reason,omitempty"`
}

// Live reports whether the entry still tracks an unresolved failure.
func (e Entry) Live() bool {
	return !e.Status.IsTerminal()
}

// Filter narrows List results.
type Filter struct {
	Status     enums.DLQStatus
	ConsumerID string
	Limit      int
}

// StorageBackend persists dead-letter entries. The invariant it upholds:
// at most one live entry per (event_id, consumer_id) pair.
type StorageBackend interface {
	Insert(ctx context.Context, entry Entry) error
	Update(ctx context.Context, entry Entry) error
	GetByID(ctx context.Context, dlqID string) (*Entry, error)
	// FindLive returns the non-terminal entry for the pair, or nil.
	FindLive(ctx context.Context, eventID, consumerID string) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	// DeleteSettledBefore purges terminal entries last touched before cutoff.
	DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int, error)
}

const defaultListLimit = 50

// MemoryBackend is the reference in-memory DLQ store.
type MemoryBackend struct {
	mtx     sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend builds an empty in-memory DLQ backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

func (b *MemoryBackend) Insert(_ context.Context, entry Entry) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	stored := entry
	b.entries[entry.DLQID] = &stored
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, entry Entry) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	stored := entry
	b.entries[entry.DLQID] = &stored
	return nil
}

func (b *MemoryBackend) GetByID(_ context.Context, dlqID string) (*Entry, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	stored, ok := b.entries[dlqID]
	if !ok {
		return nil, nil
	}
	out := *stored
	return &out, nil
}

func (b *MemoryBackend) FindLive(_ context.Context, eventID, consumerID string) (*Entry, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	for _, stored := range b.entries {
		if stored.EventID == eventID && stored.ConsumerID == consumerID && stored.Live() {
			out := *stored
			return &out, nil
		}
	}
	return nil, nil
}

func (b *MemoryBackend) List(_ context.Context, filter Filter) ([]Entry, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	out := []Entry{}
	for _, stored := range b.entries {
		if filter.Status != "" && stored.Status != filter.Status {
			continue
		}
		if filter.ConsumerID != "" && stored.ConsumerID != filter.ConsumerID {
			continue
		}
		out = append(out, *stored)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastFailedAt.After(out[j].LastFailedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) DeleteSettledBefore(_ context.Context, cutoff time.Time) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	purged := 0
	for id, stored := range b.entries {
		if stored.Status.IsTerminal() && stored.LastFailedAt.Before(cutoff) {
			delete(b.entries, id)
			purged++
		}
	}
	return purged, nil
}

var _ StorageBackend = (*MemoryBackend)(nil)

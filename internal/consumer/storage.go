package consumer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Consumer is a registered consuming service. Deactivation keeps the record
// and its offsets; only Remove deletes state.
type Consumer struct {
	ConsumerID  string    `json:"consumer_id"`
	ServiceName string    `json:"service_name"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscription binds a consumer to a list of event types. Entries are exact
// types or "<domain>.*" wildcards; one consumer may hold several.
type Subscription struct {
	SubscriptionID string    `json:"subscription_id"`
	ConsumerID     string    `json:"consumer_id"`
	EventTypes     []string  `json:"event_types"`
	CreatedAt      time.Time `json:"created_at"`
}

// Offset is the pull-consumption watermark for one (consumer, event type)
// pair. It advances on acknowledgement only.
type Offset struct {
	ConsumerID      string    `json:"consumer_id"`
	EventType       string    `json:"event_type"`
	LastEventID     string    `json:"last_event_id"`
	LastSequence    int64     `json:"last_sequence"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// StorageBackend persists consumers, subscriptions and offsets. Get methods
// return nil (not an error) when the record is absent.
type StorageBackend interface {
	InsertConsumer(ctx context.Context, c Consumer) error
	UpdateConsumer(ctx context.Context, c Consumer) error
	GetConsumer(ctx context.Context, consumerID string) (*Consumer, error)
	DeleteConsumer(ctx context.Context, consumerID string) error
	ListConsumers(ctx context.Context) ([]Consumer, error)

	InsertSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context, consumerID string) ([]Subscription, error)
	AllSubscriptions(ctx context.Context) ([]Subscription, error)
	DeleteSubscriptions(ctx context.Context, consumerID string) error

	UpsertOffset(ctx context.Context, o Offset) error
	GetOffset(ctx context.Context, consumerID, eventType string) (*Offset, error)
	DeleteOffsets(ctx context.Context, consumerID string) error
}

type offsetKey struct {
	consumerID string
	eventType  string
}

// MemoryBackend is the reference StorageBackend. Safe for concurrent use.
type MemoryBackend struct {
	mtx           sync.RWMutex
	consumers     map[string]*Consumer
	subscriptions map[string][]*Subscription
	offsets       map[offsetKey]*Offset
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		consumers:     make(map[string]*Consumer),
		subscriptions: make(map[string][]*Subscription),
		offsets:       make(map[offsetKey]*Offset),
	}
}

func (b *MemoryBackend) InsertConsumer(_ context.Context, c Consumer) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	stored := c
	b.consumers[c.ConsumerID] = &stored
	return nil
}

func (b *MemoryBackend) UpdateConsumer(_ context.Context, c Consumer) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	stored := c
	b.consumers[c.ConsumerID] = &stored
	return nil
}

func (b *MemoryBackend) GetConsumer(_ context.Context, consumerID string) (*Consumer, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	stored, ok := b.consumers[consumerID]
	if !ok {
		return nil, nil
	}
	out := *stored
	return &out, nil
}

func (b *MemoryBackend) DeleteConsumer(_ context.Context, consumerID string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.consumers, consumerID)
	return nil
}

func (b *MemoryBackend) ListConsumers(_ context.Context) ([]Consumer, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	out := make([]Consumer, 0, len(b.consumers))
	for _, stored := range b.consumers {
		out = append(out, *stored)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *MemoryBackend) InsertSubscription(_ context.Context, s Subscription) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	stored := s
	stored.EventTypes = append([]string(nil), s.EventTypes...)
	b.subscriptions[s.ConsumerID] = append(b.subscriptions[s.ConsumerID], &stored)
	return nil
}

func (b *MemoryBackend) ListSubscriptions(_ context.Context, consumerID string) ([]Subscription, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return cloneSubscriptions(b.subscriptions[consumerID]), nil
}

func (b *MemoryBackend) AllSubscriptions(_ context.Context) ([]Subscription, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	var out []Subscription
	for _, subs := range b.subscriptions {
		out = append(out, cloneSubscriptions(subs)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *MemoryBackend) DeleteSubscriptions(_ context.Context, consumerID string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.subscriptions, consumerID)
	return nil
}

func (b *MemoryBackend) UpsertOffset(_ context.Context, o Offset) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	stored := o
	b.offsets[offsetKey{o.ConsumerID, o.EventType}] = &stored
	return nil
}

func (b *MemoryBackend) GetOffset(_ context.Context, consumerID, eventType string) (*Offset, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	stored, ok := b.offsets[offsetKey{consumerID, eventType}]
	if !ok {
		return nil, nil
	}
	out := *stored
	return &out, nil
}

func (b *MemoryBackend) DeleteOffsets(_ context.Context, consumerID string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for key := range b.offsets {
		if key.consumerID == consumerID {
			delete(b.offsets, key)
		}
	}
	return nil
}

func cloneSubscriptions(subs []*Subscription) []Subscription {
	out := make([]Subscription, 0, len(subs))
	for _, stored := range subs {
		clone := *stored
		clone.EventTypes = append([]string(nil), stored.EventTypes...)
		out = append(out, clone)
	}
	return out
}

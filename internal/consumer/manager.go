package consumer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/internal/eventstore"
	"github.com/voyagio/eventbus/pkg/config"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
	"github.com/voyagio/eventbus/pkg/metrics"
)

const channelPull = "pull"

type pendingKey struct {
	consumerID string
	eventID    string
}

type pendingDelivery struct {
	event       event.Envelope
	deliveredAt time.Time
	timer       *time.Timer
}

// PullOptions tune a single PullEvents call. FromOffset overrides the
// stored offsets with an explicit anchor event id.
type PullOptions struct {
	BatchSize  int
	FromOffset string
}

// Manager owns consumer registration, subscriptions, offsets, pending pull
// deliveries and webhook fan-out.
type Manager struct {
	backend    StorageBackend
	store      eventstore.Store
	queue      *dlq.Queue
	dispatcher *Dispatcher
	cfg        config.EventingConfig
	logg       *logger.Logger
	metrics    *metrics.BusMetrics

	mtx     sync.Mutex
	pending map[pendingKey]*pendingDelivery
	closed  bool

	fanout    sync.WaitGroup
	rootCtx   context.Context
	cancelAll context.CancelFunc
}

func NewManager(
	backend StorageBackend,
	store eventstore.Store,
	queue *dlq.Queue,
	dispatcher *Dispatcher,
	cfg config.EventingConfig,
	logg *logger.Logger,
	busMetrics *metrics.BusMetrics,
) (*Manager, error) {
	if backend == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "consumer storage backend is required")
	}
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event store is required")
	}
	if queue == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dead-letter queue is required")
	}
	if dispatcher != nil {
		dispatcher.resolve = func(ctx context.Context, consumerID string) (*Consumer, error) {
			return backend.GetConsumer(ctx, consumerID)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		backend:    backend,
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		cfg:        cfg,
		logg:       logg,
		metrics:    busMetrics,
		pending:    make(map[pendingKey]*pendingDelivery),
		rootCtx:    ctx,
		cancelAll:  cancel,
	}, nil
}

// Register creates an active consumer. The webhook URL is optional; without
// one the consumer is pull-only.
func (m *Manager) Register(ctx context.Context, serviceName, webhookURL string) (*Consumer, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "service name is required")
	}
	c := Consumer{
		ConsumerID:  uuid.NewString(),
		ServiceName: serviceName,
		WebhookURL:  strings.TrimSpace(webhookURL),
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.backend.InsertConsumer(ctx, c); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "storing consumer")
	}
	if m.logg != nil {
		m.logg.Info(m.logg.WithConsumerID(ctx, c.ConsumerID), "consumer registered")
	}
	return &c, nil
}

// Deactivate stops webhook fan-out and pull eligibility without deleting
// subscriptions or offsets.
func (m *Manager) Deactivate(ctx context.Context, consumerID string) error {
	c, err := m.getConsumer(ctx, consumerID)
	if err != nil {
		return err
	}
	c.Active = false
	if err := m.backend.UpdateConsumer(ctx, *c); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "updating consumer")
	}
	return nil
}

// Remove deletes the consumer and cascades its subscriptions, offsets and
// pending deliveries.
func (m *Manager) Remove(ctx context.Context, consumerID string) error {
	if _, err := m.getConsumer(ctx, consumerID); err != nil {
		return err
	}
	m.dropPendingFor(consumerID)
	if err := m.backend.DeleteSubscriptions(ctx, consumerID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deleting subscriptions")
	}
	if err := m.backend.DeleteOffsets(ctx, consumerID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deleting offsets")
	}
	if err := m.backend.DeleteConsumer(ctx, consumerID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deleting consumer")
	}
	return nil
}

func (m *Manager) GetConsumer(ctx context.Context, consumerID string) (*Consumer, error) {
	return m.getConsumer(ctx, consumerID)
}

func (m *Manager) ListConsumers(ctx context.Context) ([]Consumer, error) {
	consumers, err := m.backend.ListConsumers(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing consumers")
	}
	return consumers, nil
}

// Subscribe binds the consumer to the given event types. An optional
// fromOffset anchors the initial offset of every type at that event, so
// consumption starts after it instead of at the beginning of the domain.
func (m *Manager) Subscribe(ctx context.Context, consumerID string, eventTypes []string, fromOffset string) (*Subscription, error) {
	if _, err := m.getConsumer(ctx, consumerID); err != nil {
		return nil, err
	}
	if len(eventTypes) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one event type is required")
	}
	for _, pattern := range eventTypes {
		if _, ok := event.PatternDomain(pattern); !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type or pattern: "+pattern)
		}
	}

	if fromOffset != "" {
		anchor, err := m.store.EventByID(ctx, fromOffset)
		if err != nil {
			return nil, err
		}
		if anchor == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "from_offset event not found")
		}
		now := time.Now().UTC()
		for _, pattern := range eventTypes {
			offset := Offset{
				ConsumerID:      consumerID,
				EventType:       pattern,
				LastEventID:     anchor.EventID,
				LastSequence:    anchor.Sequence,
				LastProcessedAt: now,
			}
			if err := m.backend.UpsertOffset(ctx, offset); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "seeding offset")
			}
		}
	}

	sub := Subscription{
		SubscriptionID: uuid.NewString(),
		ConsumerID:     consumerID,
		EventTypes:     append([]string(nil), eventTypes...),
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.backend.InsertSubscription(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "storing subscription")
	}
	return &sub, nil
}

func (m *Manager) Subscriptions(ctx context.Context, consumerID string) ([]Subscription, error) {
	subs, err := m.backend.ListSubscriptions(ctx, consumerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing subscriptions")
	}
	return subs, nil
}

// PullEvents returns the next batch for the consumer across the requested
// types, merged and ordered by sequence. Every returned event becomes a
// pending delivery with an ack-timeout timer; the offset does not move
// until Acknowledge.
func (m *Manager) PullEvents(ctx context.Context, consumerID string, eventTypes []string, opts PullOptions) ([]event.Envelope, error) {
	c, err := m.getConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "consumer is deactivated")
	}
	if len(eventTypes) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one event type is required")
	}

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = m.cfg.DefaultBatchSize
	}
	if batchSize > m.cfg.MaxBatchSize {
		batchSize = m.cfg.MaxBatchSize
	}

	var merged []event.Envelope
	seen := make(map[string]struct{})
	for _, pattern := range eventTypes {
		domain, ok := event.PatternDomain(pattern)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type or pattern: "+pattern)
		}

		afterEventID := opts.FromOffset
		if afterEventID == "" {
			offset, err := m.backend.GetOffset(ctx, consumerID, pattern)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading offset")
			}
			if offset != nil {
				afterEventID = offset.LastEventID
			}
		}

		events, err := m.store.GetEvents(ctx, eventstore.Query{
			Domain:       domain,
			AfterEventID: afterEventID,
			Limit:        batchSize,
		})
		if err != nil {
			return nil, err
		}
		for _, env := range events {
			if !event.TypeMatches(pattern, env.EventType) {
				continue
			}
			if _, dup := seen[env.EventID]; dup {
				continue
			}
			seen[env.EventID] = struct{}{}
			merged = append(merged, env)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Sequence != merged[j].Sequence {
			return merged[i].Sequence < merged[j].Sequence
		}
		return merged[i].OccurredAt.Before(merged[j].OccurredAt)
	})
	if len(merged) > batchSize {
		merged = merged[:batchSize]
	}

	for _, env := range merged {
		m.trackPending(consumerID, env)
	}
	if m.metrics != nil {
		for range merged {
			m.metrics.IncDelivered(channelPull)
		}
	}
	return merged, nil
}

// Acknowledge cancels the pending-delivery timer and advances the offset.
// An empty eventType advances every subscribed pattern matching the event.
// Re-acking is a harmless no-op on the timer and a last-write-wins update
// on the offset.
func (m *Manager) Acknowledge(ctx context.Context, consumerID, eventID, eventType string) error {
	if _, err := m.getConsumer(ctx, consumerID); err != nil {
		return err
	}
	if eventType != "" {
		if _, ok := event.PatternDomain(eventType); !ok {
			return pkgerrors.New(pkgerrors.CodeValidation, "unknown event type or pattern: "+eventType)
		}
	}

	env := m.clearPending(consumerID, eventID)
	if env == nil {
		stored, err := m.store.EventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "event not found")
		}
		env = stored
	}

	patterns := []string{eventType}
	if eventType == "" {
		subs, err := m.backend.ListSubscriptions(ctx, consumerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing subscriptions")
		}
		patterns = patterns[:0]
		for _, sub := range subs {
			for _, pattern := range sub.EventTypes {
				if event.TypeMatches(pattern, env.EventType) {
					patterns = append(patterns, pattern)
				}
			}
		}
		if len(patterns) == 0 {
			patterns = append(patterns, string(env.EventType))
		}
	}

	now := time.Now().UTC()
	for _, pattern := range patterns {
		offset := Offset{
			ConsumerID:      consumerID,
			EventType:       pattern,
			LastEventID:     env.EventID,
			LastSequence:    env.Sequence,
			LastProcessedAt: now,
		}
		if err := m.backend.UpsertOffset(ctx, offset); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advancing offset")
		}
	}
	return nil
}

// NegativeAck cancels the pending timer and reports the failure to the
// dead-letter queue. The offset stays put, so the event remains
// re-deliverable.
func (m *Manager) NegativeAck(ctx context.Context, consumerID, eventID, reason string) error {
	if _, err := m.getConsumer(ctx, consumerID); err != nil {
		return err
	}
	env := m.clearPending(consumerID, eventID)
	if env == nil {
		stored, err := m.store.EventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "event not found")
		}
		env = stored
	}
	if reason == "" {
		reason = "negative acknowledgement"
	}
	if _, err := m.queue.RecordFailure(ctx, *env, consumerID, errors.New(reason)); err != nil {
		return err
	}
	return nil
}

// DeliverToWebhooks fans the event out to every active consumer whose
// subscription matches. Each consumer gets its own goroutine; a slow or
// failing consumer never delays the others.
func (m *Manager) DeliverToWebhooks(ctx context.Context, env event.Envelope) error {
	if m.dispatcher == nil {
		return nil
	}
	subs, err := m.backend.AllSubscriptions(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing subscriptions")
	}

	matched := make(map[string]struct{})
	for _, sub := range subs {
		for _, pattern := range sub.EventTypes {
			if event.TypeMatches(pattern, env.EventType) {
				matched[sub.ConsumerID] = struct{}{}
				break
			}
		}
	}

	for consumerID := range matched {
		c, err := m.backend.GetConsumer(ctx, consumerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading consumer")
		}
		if c == nil || !c.Active || c.WebhookURL == "" {
			continue
		}

		m.mtx.Lock()
		if m.closed {
			m.mtx.Unlock()
			return nil
		}
		m.fanout.Add(1)
		m.mtx.Unlock()

		target := *c
		go func() {
			defer m.fanout.Done()
			m.dispatcher.Deliver(m.rootCtx, target, env.Clone())
		}()
	}
	return nil
}

// RedeliverOnce performs a single webhook attempt for the consumer. Used
// by operator-triggered dead-letter retries, where the queue owns the
// outcome bookkeeping.
func (m *Manager) RedeliverOnce(ctx context.Context, consumerID string, env event.Envelope) error {
	c, err := m.getConsumer(ctx, consumerID)
	if err != nil {
		return err
	}
	if !c.Active {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "consumer is deactivated")
	}
	if c.WebhookURL == "" {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "consumer has no webhook url")
	}
	if m.dispatcher == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "webhook dispatcher is not configured")
	}
	return m.dispatcher.attempt(ctx, c.WebhookURL, env)
}

// ConsumerLag counts events strictly after the consumer's offset in the
// pattern's domain. No offset means the whole domain is lag.
func (m *Manager) ConsumerLag(ctx context.Context, consumerID, eventType string) (int64, error) {
	if _, err := m.getConsumer(ctx, consumerID); err != nil {
		return 0, err
	}
	domain, ok := event.PatternDomain(eventType)
	if !ok {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type or pattern: "+eventType)
	}
	offset, err := m.backend.GetOffset(ctx, consumerID, eventType)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading offset")
	}
	var afterSeq int64
	if offset != nil {
		afterSeq = offset.LastSequence
	}
	return m.store.CountAfter(ctx, domain, afterSeq)
}

// Shutdown cancels every pending-delivery timer and waits for in-flight
// webhook deliveries to observe cancellation. No callback runs afterwards.
func (m *Manager) Shutdown() {
	m.mtx.Lock()
	m.closed = true
	for key, pd := range m.pending {
		pd.timer.Stop()
		delete(m.pending, key)
	}
	m.mtx.Unlock()

	m.cancelAll()
	m.fanout.Wait()
}

func (m *Manager) getConsumer(ctx context.Context, consumerID string) (*Consumer, error) {
	if consumerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "consumer id is required")
	}
	c, err := m.backend.GetConsumer(ctx, consumerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading consumer")
	}
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "consumer not found")
	}
	return c, nil
}

// trackPending arms the ack-timeout timer for one delivered event.
// Re-delivery replaces the existing timer so the clock restarts.
func (m *Manager) trackPending(consumerID string, env event.Envelope) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return
	}
	key := pendingKey{consumerID: consumerID, eventID: env.EventID}
	if existing, ok := m.pending[key]; ok {
		existing.timer.Stop()
	}
	pd := &pendingDelivery{event: env.Clone(), deliveredAt: time.Now().UTC()}
	pd.timer = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.ackTimeout(key)
	})
	m.pending[key] = pd
}

// ackTimeout fires when neither ack nor nack arrived in time. It surfaces
// the stall to the dead-letter queue; redelivery comes from the unmoved
// offset on the consumer's next pull.
func (m *Manager) ackTimeout(key pendingKey) {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return
	}
	pd, ok := m.pending[key]
	if !ok {
		m.mtx.Unlock()
		return
	}
	delete(m.pending, key)
	m.mtx.Unlock()

	ctx := m.rootCtx
	if _, err := m.queue.RecordFailure(ctx, pd.event, key.consumerID, errors.New("acknowledgement timeout")); err != nil && m.logg != nil {
		m.logg.Error(ctx, "recording ack timeout", err)
	}
	if m.logg != nil {
		logCtx := m.logg.WithConsumerID(m.logg.WithEventID(ctx, key.eventID), key.consumerID)
		m.logg.Warn(logCtx, "acknowledgement timeout")
	}
}

func (m *Manager) clearPending(consumerID, eventID string) *event.Envelope {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := pendingKey{consumerID: consumerID, eventID: eventID}
	pd, ok := m.pending[key]
	if !ok {
		return nil
	}
	pd.timer.Stop()
	delete(m.pending, key)
	env := pd.event
	return &env
}

func (m *Manager) dropPendingFor(consumerID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for key, pd := range m.pending {
		if key.consumerID == consumerID {
			pd.timer.Stop()
			delete(m.pending, key)
		}
	}
}

// Package bus composes the event store, schema registry, consumer manager
// and dead-letter queue into the bus engine. Everything is injected; the
// package holds no globals.
package bus

import (
	"context"
	"io"
	"sync"

	"go.uber.org/multierr"

	"github.com/voyagio/eventbus/internal/consumer"
	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/internal/eventstore"
	"github.com/voyagio/eventbus/internal/schema"
	"github.com/voyagio/eventbus/pkg/authz"
	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
	"github.com/voyagio/eventbus/pkg/metrics"
)

// Deps carries everything the engine needs. Closers are shut down last,
// after all timers and fan-out goroutines have stopped.
type Deps struct {
	Store     eventstore.Store
	Registry  *schema.Registry
	Consumers *consumer.Manager
	Queue     *dlq.Queue
	Rules     authz.Authorizer
	Config    config.EventingConfig
	Logger    *logger.Logger
	Metrics   *metrics.BusMetrics
	Closers   []io.Closer
}

// PublishInput is one event admission request. Producer identifies the
// publishing service and doubles as the authorization subject.
type PublishInput struct {
	EventType     string
	EventVersion  int
	CorrelationID string
	AggregateID   string
	Producer      string
	Payload       map[string]any
}

// BatchItemResult reports one item of a batch publish. Exactly one of
// Envelope and Err is set.
type BatchItemResult struct {
	Envelope *event.Envelope
	Err      error
}

type Engine struct {
	store     eventstore.Store
	registry  *schema.Registry
	consumers *consumer.Manager
	queue     *dlq.Queue
	rules     authz.Authorizer
	cfg       config.EventingConfig
	logg      *logger.Logger
	metrics   *metrics.BusMetrics
	closers   []io.Closer

	fanout sync.WaitGroup
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event store is required")
	}
	if deps.Registry == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "schema registry is required")
	}
	if deps.Consumers == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "consumer manager is required")
	}
	if deps.Queue == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dead-letter queue is required")
	}
	if deps.Rules == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "authorization rules are required")
	}
	return &Engine{
		store:     deps.Store,
		registry:  deps.Registry,
		consumers: deps.Consumers,
		queue:     deps.Queue,
		rules:     deps.Rules,
		cfg:       deps.Config,
		logg:      deps.Logger,
		metrics:   deps.Metrics,
		closers:   deps.Closers,
	}, nil
}

// Publish admits one event: authorization, schema validation, durable
// append, then asynchronous webhook fan-out. The returned envelope carries
// the assigned sequence.
func (e *Engine) Publish(ctx context.Context, input PublishInput) (*event.Envelope, error) {
	eventType, err := enumsParse(input.EventType)
	if err != nil {
		e.reject("unknown_type")
		return nil, err
	}
	if !e.rules.CanPublish(input.Producer, eventType) {
		e.reject("unauthorized")
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "service may not publish this event type")
	}

	result := e.registry.Validate(ctx, schema.ValidateInput{
		EventType:    input.EventType,
		EventVersion: input.EventVersion,
		Payload:      input.Payload,
	})
	if !result.Valid {
		e.reject("schema")
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload does not satisfy the event schema").
			WithDetails(result.Errors)
	}
	if result.Unvalidated && e.metrics != nil {
		e.metrics.IncUnvalidated(input.EventType)
	}

	env, err := e.store.Append(ctx, eventstore.AppendInput{
		EventType:     eventType,
		EventVersion:  input.EventVersion,
		CorrelationID: input.CorrelationID,
		AggregateID:   input.AggregateID,
		Producer:      input.Producer,
		Payload:       input.Payload,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.IncPublished(string(env.Domain()))
	}
	if e.logg != nil {
		logCtx := e.logg.WithEventType(e.logg.WithEventID(ctx, env.EventID), string(env.EventType))
		e.logg.Info(e.logg.WithProducer(logCtx, env.Producer), "event published")
	}

	e.fanout.Add(1)
	fanoutEnv := env.Clone()
	go func() {
		defer e.fanout.Done()
		if err := e.consumers.DeliverToWebhooks(context.WithoutCancel(ctx), fanoutEnv); err != nil && e.logg != nil {
			e.logg.Error(ctx, "webhook fan-out", err)
		}
	}()

	return env, nil
}

// PublishBatch admits up to the configured limit of events. Items fail
// independently; one rejected event never poisons the rest.
func (e *Engine) PublishBatch(ctx context.Context, inputs []PublishInput) ([]BatchItemResult, error) {
	if len(inputs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "batch is empty")
	}
	if len(inputs) > e.cfg.PublishBatchLimit {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "batch exceeds the publish limit")
	}
	results := make([]BatchItemResult, len(inputs))
	for i, input := range inputs {
		env, err := e.Publish(ctx, input)
		results[i] = BatchItemResult{Envelope: env, Err: err}
	}
	return results, nil
}

func (e *Engine) GetEvents(ctx context.Context, q eventstore.Query) ([]event.Envelope, error) {
	return e.store.GetEvents(ctx, q)
}

func (e *Engine) GetEventTrace(ctx context.Context, correlationID string) ([]event.Envelope, error) {
	return e.store.GetEventTrace(ctx, correlationID)
}

func (e *Engine) ReplayAggregate(ctx context.Context, aggregateID string) ([]event.Envelope, error) {
	return e.store.ReplayAggregate(ctx, aggregateID)
}

func (e *Engine) RegisterConsumer(ctx context.Context, serviceName, webhookURL string) (*consumer.Consumer, error) {
	return e.consumers.Register(ctx, serviceName, webhookURL)
}

func (e *Engine) DeactivateConsumer(ctx context.Context, consumerID string) error {
	return e.consumers.Deactivate(ctx, consumerID)
}

func (e *Engine) RemoveConsumer(ctx context.Context, consumerID string) error {
	return e.consumers.Remove(ctx, consumerID)
}

func (e *Engine) GetConsumer(ctx context.Context, consumerID string) (*consumer.Consumer, error) {
	return e.consumers.GetConsumer(ctx, consumerID)
}

func (e *Engine) ListConsumers(ctx context.Context) ([]consumer.Consumer, error) {
	return e.consumers.ListConsumers(ctx)
}

// Subscribe authorizes every requested pattern against the consumer's
// service before delegating.
func (e *Engine) Subscribe(ctx context.Context, consumerID string, eventTypes []string, fromOffset string) (*consumer.Subscription, error) {
	c, err := e.consumers.GetConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	for _, pattern := range eventTypes {
		if !e.rules.CanSubscribe(c.ServiceName, pattern) {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "service may not subscribe to "+pattern)
		}
	}
	return e.consumers.Subscribe(ctx, consumerID, eventTypes, fromOffset)
}

func (e *Engine) Subscriptions(ctx context.Context, consumerID string) ([]consumer.Subscription, error) {
	return e.consumers.Subscriptions(ctx, consumerID)
}

func (e *Engine) PullEvents(ctx context.Context, consumerID string, eventTypes []string, opts consumer.PullOptions) ([]event.Envelope, error) {
	return e.consumers.PullEvents(ctx, consumerID, eventTypes, opts)
}

func (e *Engine) Acknowledge(ctx context.Context, consumerID, eventID, eventType string) error {
	return e.consumers.Acknowledge(ctx, consumerID, eventID, eventType)
}

func (e *Engine) NegativeAck(ctx context.Context, consumerID, eventID, reason string) error {
	return e.consumers.NegativeAck(ctx, consumerID, eventID, reason)
}

func (e *Engine) ConsumerLag(ctx context.Context, consumerID, eventType string) (int64, error) {
	return e.consumers.ConsumerLag(ctx, consumerID, eventType)
}

func (e *Engine) ListDLQ(ctx context.Context, filter dlq.Filter) ([]dlq.Entry, error) {
	return e.queue.List(ctx, filter)
}

func (e *Engine) GetDLQEntry(ctx context.Context, dlqID string) (*dlq.Entry, error) {
	return e.queue.Get(ctx, dlqID)
}

// RetryDLQEntry force-attempts the entry through a single webhook
// redelivery. Works for retrying and pending entries; terminal ones return
// false without an attempt.
func (e *Engine) RetryDLQEntry(ctx context.Context, dlqID string) (bool, error) {
	return e.queue.ManualRetry(ctx, dlqID, func(retryCtx context.Context, env event.Envelope, consumerID string) error {
		return e.consumers.RedeliverOnce(retryCtx, consumerID, env)
	})
}

func (e *Engine) DiscardDLQEntry(ctx context.Context, dlqID, reason string) error {
	return e.queue.Discard(ctx, dlqID, reason)
}

func (e *Engine) SchemaVersions(eventType string) ([]int, error) {
	parsed, err := enumsParse(eventType)
	if err != nil {
		return nil, err
	}
	return e.registry.Versions(parsed), nil
}

// Ping reports storage health for readiness probes.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Shutdown stops fan-out, cancels every timer in the consumer manager and
// the dead-letter queue, then closes the injected resources. Errors are
// aggregated, not short-circuited.
func (e *Engine) Shutdown() error {
	e.fanout.Wait()
	e.consumers.Shutdown()
	e.queue.Shutdown()

	var err error
	for _, closer := range e.closers {
		err = multierr.Append(err, closer.Close())
	}
	return err
}

func (e *Engine) reject(reason string) {
	if e.metrics != nil {
		e.metrics.IncPublishRejected(reason)
	}
}

func enumsParse(value string) (enums.EventType, error) {
	eventType, err := enums.ParseEventType(value)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parsing event type")
	}
	return eventType, nil
}

package dlq

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
	"github.com/voyagio/eventbus/pkg/metrics"
)

const maxErrorLen = 1024

// RetryFunc re-attempts delivery of one event to one consumer.
type RetryFunc func(ctx context.Context, env event.Envelope, consumerID string) error

// Queue owns delivery-failure bookkeeping and the rescheduled retry policy.
// Retry timers are keyed by dlq_id; re-arming replaces rather than stacks.
type Queue struct {
	backend StorageBackend
	cfg     config.DLQConfig
	logg    *logger.Logger
	metrics *metrics.BusMetrics

	mtx    sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewQueue builds a dead-letter queue over the given backend.
func NewQueue(backend StorageBackend, cfg config.DLQConfig, logg *logger.Logger, busMetrics *metrics.BusMetrics) (*Queue, error) {
	if backend == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dlq storage backend is required")
	}
	return &Queue{
		backend: backend,
		cfg:     cfg,
		logg:    logg,
		metrics: busMetrics,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// RecordFailure creates or advances the live entry for the pair. Repeated
// failures update the same entry; reaching MaxRetries parks it as pending.
func (q *Queue) RecordFailure(ctx context.Context, env event.Envelope, consumerID string, cause error) (*Entry, error) {
	now := time.Now().UTC()
	message := "delivery failed"
	if cause != nil {
		message = truncateError(cause.Error())
	}

	existing, err := q.backend.FindLive(ctx, env.EventID, consumerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "looking up dlq entry")
	}

	if existing != nil {
		existing.FailureCount++
		existing.LastFailedAt = now
		existing.LastError = message
		if existing.FailureCount >= q.cfg.MaxRetries {
			existing.Status = enums.DLQStatusPending
		}
		if err := q.backend.Update(ctx, *existing); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "updating dlq entry")
		}
		q.logFailure(ctx, *existing)
		return existing, nil
	}

	entry := Entry{
		DLQID:         uuid.NewString(),
		EventID:       env.EventID,
		Event:         env.Clone(),
		ConsumerID:    consumerID,
		FailureCount:  1,
		FirstFailedAt: now,
		LastFailedAt:  now,
		LastError:     message,
		Status:        enums.DLQStatusRetrying,
	}
	if q.cfg.MaxRetries <= 1 {
		entry.Status = enums.DLQStatusPending
	}
	if err := q.backend.Insert(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "inserting dlq entry")
	}
	q.metrics.IncDLQOpen()
	q.logFailure(ctx, entry)
	return &entry, nil
}

// RetryDelay computes the capped exponential backoff for a 1-indexed
// failure count: the first failure waits InitialDelay.
func (q *Queue) RetryDelay(failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	delay := float64(q.cfg.InitialDelay) * math.Pow(q.cfg.BackoffMultiplier, float64(failureCount-1))
	if delay > float64(q.cfg.MaxDelay) {
		return q.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the entry is still inside the automatic
// retry budget.
func (q *Queue) ShouldRetry(entry Entry) bool {
	return entry.Status == enums.DLQStatusRetrying && entry.FailureCount < q.cfg.MaxRetries
}

// ScheduleRetry arms the backoff timer for an eligible entry. Scheduling an
// already-scheduled entry replaces its timer. On fire the retry outcome
// feeds back into the queue: success resolves, failure records again and
// reschedules while the budget lasts.
func (q *Queue) ScheduleRetry(ctx context.Context, entry Entry, retryFn RetryFunc) {
	if retryFn == nil || !q.ShouldRetry(entry) {
		return
	}

	delay := q.RetryDelay(entry.FailureCount)

	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return
	}
	if existing, ok := q.timers[entry.DLQID]; ok {
		existing.Stop()
	}
	q.timers[entry.DLQID] = time.AfterFunc(delay, func() {
		q.fireRetry(entry.DLQID, retryFn)
	})
}

func (q *Queue) fireRetry(dlqID string, retryFn RetryFunc) {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return
	}
	delete(q.timers, dlqID)
	q.mtx.Unlock()

	ctx := context.Background()
	entry, err := q.backend.GetByID(ctx, dlqID)
	if err != nil || entry == nil {
		return
	}
	// state may have moved while the timer was pending
	if entry.Status != enums.DLQStatusRetrying {
		return
	}

	if err := q.attempt(ctx, *entry, retryFn); err != nil {
		updated, recordErr := q.RecordFailure(ctx, entry.Event, entry.ConsumerID, err)
		if recordErr != nil {
			if q.logg != nil {
				q.logg.Error(ctx, "recording retry failure", recordErr)
			}
			return
		}
		if q.ShouldRetry(*updated) {
			q.ScheduleRetry(ctx, *updated, retryFn)
		}
		return
	}

	if err := q.markResolved(ctx, *entry); err != nil && q.logg != nil {
		q.logg.Error(ctx, "resolving dlq entry", err)
	}
}

// attempt runs the retry function, converting panics into failures so a
// broken callback re-enters the failure path instead of crashing the timer
// goroutine.
func (q *Queue) attempt(ctx context.Context, entry Entry, retryFn RetryFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = pkgerrors.New(pkgerrors.CodeInternal, "retry callback panicked")
		}
	}()
	return retryFn(ctx, entry.Event, entry.ConsumerID)
}

// ManualRetry force-attempts an entry regardless of the retrying/pending
// distinction. Terminal entries are rejected: it returns false without
// calling retryFn.
func (q *Queue) ManualRetry(ctx context.Context, dlqID string, retryFn RetryFunc) (bool, error) {
	entry, err := q.backend.GetByID(ctx, dlqID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading dlq entry")
	}
	if entry == nil {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "dlq entry not found")
	}
	if entry.Status.IsTerminal() {
		return false, nil
	}
	if retryFn == nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "retry function is required")
	}

	if err := q.attempt(ctx, *entry, retryFn); err != nil {
		if _, recordErr := q.RecordFailure(ctx, entry.Event, entry.ConsumerID, err); recordErr != nil {
			return false, recordErr
		}
		return false, nil
	}

	if err := q.markResolved(ctx, *entry); err != nil {
		return false, err
	}
	return true, nil
}

// Discard terminally closes an entry and cancels any armed timer.
func (q *Queue) Discard(ctx context.Context, dlqID, reason string) error {
	entry, err := q.backend.GetByID(ctx, dlqID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading dlq entry")
	}
	if entry == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "dlq entry not found")
	}
	if entry.Status.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "dlq entry already settled")
	}

	q.cancelTimer(dlqID)

	entry.Status = enums.DLQStatusDiscarded
	entry.DiscardReason = reason
	if err := q.backend.Update(ctx, *entry); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "discarding dlq entry")
	}
	q.metrics.DecDLQOpen()

	if q.logg != nil {
		logCtx := q.logg.WithFields(ctx, map[string]any{
			"dlq_id": dlqID,
			"reason": reason,
		})
		q.logg.Info(logCtx, "dlq entry discarded")
	}
	return nil
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, dlqID string) (*Entry, error) {
	entry, err := q.backend.GetByID(ctx, dlqID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading dlq entry")
	}
	if entry == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dlq entry not found")
	}
	return entry, nil
}

// List returns entries matching the filter, newest failures first.
func (q *Queue) List(ctx context.Context, filter Filter) ([]Entry, error) {
	entries, err := q.backend.List(ctx, filter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing dlq entries")
	}
	return entries, nil
}

// Cleanup purges settled entries older than the retention window.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.Retention)
	purged, err := q.backend.DeleteSettledBefore(ctx, cutoff)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "purging dlq entries")
	}
	if purged > 0 && q.logg != nil {
		logCtx := q.logg.WithField(ctx, "purged", purged)
		q.logg.Info(logCtx, "dlq cleanup completed")
	}
	return purged, nil
}

// Shutdown cancels every armed retry timer. No callback observes state
// after it returns.
func (q *Queue) Shutdown() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) markResolved(ctx context.Context, entry Entry) error {
	entry.Status = enums.DLQStatusResolved
	if err := q.backend.Update(ctx, entry); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolving dlq entry")
	}
	q.metrics.DecDLQOpen()
	if q.logg != nil {
		logCtx := q.logg.WithField(ctx, "dlq_id", entry.DLQID)
		q.logg.Info(logCtx, "dlq entry resolved")
	}
	return nil
}

func (q *Queue) cancelTimer(dlqID string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if timer, ok := q.timers[dlqID]; ok {
		timer.Stop()
		delete(q.timers, dlqID)
	}
}

func (q *Queue) logFailure(ctx context.Context, entry Entry) {
	if q.logg == nil {
		return
	}
	logCtx := q.logg.WithFields(ctx, map[string]any{
		"dlq_id":        entry.DLQID,
		"event_id":      entry.EventID,
		"consumer_id":   entry.ConsumerID,
		"failure_count": entry.FailureCount,
		"status":        entry.Status,
		"last_error":    entry.LastError,
	})
	q.logg.Warn(logCtx, "delivery failure recorded")
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	return message[:maxErrorLen]
}

package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/config"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
	"github.com/voyagio/eventbus/pkg/metrics"
)

const channelWebhook = "webhook"

// Dispatcher pushes events to consumer webhooks. Attempts within one
// delivery are strictly sequential with a linear inter-attempt delay; this
// is the in-flight retry loop, distinct from the dead-letter queue's
// exponential rescheduling that takes over after exhaustion.
type Dispatcher struct {
	cfg     config.WebhookConfig
	client  *http.Client
	queue   *dlq.Queue
	logg    *logger.Logger
	metrics *metrics.BusMetrics

	// resolve re-reads the consumer before a rescheduled retry so a
	// deactivation or webhook removal between exhaustion and the retry
	// is honored. Set by the manager; nil means deliver to the captured
	// target.
	resolve func(ctx context.Context, consumerID string) (*Consumer, error)
}

func NewDispatcher(cfg config.WebhookConfig, queue *dlq.Queue, logg *logger.Logger, busMetrics *metrics.BusMetrics) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{},
		queue:   queue,
		logg:    logg,
		metrics: busMetrics,
	}
}

// Deliver runs the full attempt loop for one consumer and hands the event
// to the dead-letter queue when every attempt fails. The queue then owns
// the rescheduled retries, each of which redelivers through attempt.
func (d *Dispatcher) Deliver(ctx context.Context, c Consumer, env event.Envelope) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		lastErr = d.attempt(ctx, c.WebhookURL, env)
		if lastErr == nil {
			if d.metrics != nil {
				d.metrics.IncDelivered(channelWebhook)
			}
			return
		}
		if d.metrics != nil {
			d.metrics.IncDeliveryFailure(channelWebhook)
		}
		if d.logg != nil {
			logCtx := d.logg.WithConsumerID(d.logg.WithEventID(ctx, env.EventID), c.ConsumerID)
			d.logg.Warn(d.logg.WithField(logCtx, "attempt", attempt), "webhook delivery failed")
		}
		if attempt < d.cfg.MaxRetries {
			if !sleepCtx(ctx, time.Duration(attempt)*d.cfg.RetryDelayBase) {
				return
			}
		}
	}

	entry, err := d.queue.RecordFailure(ctx, env, c.ConsumerID, lastErr)
	if err != nil {
		if d.logg != nil {
			d.logg.Error(ctx, "recording webhook exhaustion", err)
		}
		return
	}
	d.queue.ScheduleRetry(ctx, *entry, func(retryCtx context.Context, retryEnv event.Envelope, _ string) error {
		url := c.WebhookURL
		if d.resolve != nil {
			current, resolveErr := d.resolve(retryCtx, c.ConsumerID)
			if resolveErr != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, resolveErr, "resolving consumer")
			}
			if current == nil || !current.Active || current.WebhookURL == "" {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "consumer is not accepting webhook deliveries")
			}
			url = current.WebhookURL
		}
		retryErr := d.attempt(retryCtx, url, retryEnv)
		if d.metrics != nil {
			if retryErr == nil {
				d.metrics.IncDelivered(channelWebhook)
			} else {
				d.metrics.IncDeliveryFailure(channelWebhook)
			}
		}
		return retryErr
	})
}

// attempt performs exactly one context-bounded POST of the envelope.
func (d *Dispatcher) attempt(ctx context.Context, url string, env event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding event")
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", env.EventID)
	req.Header.Set("X-Event-Type", string(env.EventType))
	req.Header.Set("X-Event-Domain", string(env.Domain()))
	req.Header.Set("X-Event-Sequence", strconv.FormatInt(env.Sequence, 10))
	req.Header.Set("X-Correlation-ID", env.CorrelationID)
	req.Header.Set("X-Producer", env.Producer)

	resp, err := d.client.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "posting to webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}

// sleepCtx waits for the delay unless the context ends first. It reports
// whether the delay ran to completion.
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

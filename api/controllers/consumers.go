package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voyagio/eventbus/api/responses"
	"github.com/voyagio/eventbus/api/validators"
	"github.com/voyagio/eventbus/internal/bus"
	"github.com/voyagio/eventbus/internal/consumer"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
)

type registerConsumerRequest struct {
	ServiceName string `json:"service_name" validate:"required"`
	WebhookURL  string `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// RegisterConsumer creates a consumer, optionally with a webhook endpoint.
func RegisterConsumer(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload registerConsumerRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		registered, err := engine.RegisterConsumer(r.Context(), payload.ServiceName, payload.WebhookURL)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, registered)
	}
}

// ListConsumers returns every registered consumer.
func ListConsumers(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumers, err := engine.ListConsumers(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"consumers": consumers})
	}
}

// GetConsumer returns one consumer with its subscriptions.
func GetConsumer(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumerID := chi.URLParam(r, "consumerId")

		registered, err := engine.GetConsumer(r.Context(), consumerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		subscriptions, err := engine.Subscriptions(r.Context(), consumerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"consumer":      registered,
			"subscriptions": subscriptions,
		})
	}
}

// RemoveConsumer deletes a consumer and its subscriptions and offsets.
func RemoveConsumer(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumerID := chi.URLParam(r, "consumerId")

		if err := engine.RemoveConsumer(r.Context(), consumerID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"consumer_id": consumerID, "status": "removed"})
	}
}

// DeactivateConsumer pauses delivery without dropping state.
func DeactivateConsumer(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumerID := chi.URLParam(r, "consumerId")

		if err := engine.DeactivateConsumer(r.Context(), consumerID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"consumer_id": consumerID, "status": "inactive"})
	}
}

type subscribeRequest struct {
	ConsumerID string   `json:"consumer_id" validate:"required"`
	EventTypes []string `json:"event_types" validate:"required,min=1,dive,required"`
	FromOffset string   `json:"from_offset,omitempty"`
}

// Subscribe binds a consumer to event types or domain wildcards.
func Subscribe(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload subscribeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		subscription, err := engine.Subscribe(r.Context(), payload.ConsumerID, payload.EventTypes, payload.FromOffset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, subscription)
	}
}

type consumeRequest struct {
	ConsumerID string   `json:"consumer_id" validate:"required"`
	EventTypes []string `json:"event_types,omitempty"`
	BatchSize  int      `json:"batch_size,omitempty" validate:"omitempty,min=1"`
	FromOffset string   `json:"from_offset,omitempty"`
}

// Consume pulls the next batch of undelivered events for a consumer.
func Consume(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload consumeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		events, err := engine.PullEvents(r.Context(), payload.ConsumerID, payload.EventTypes, consumer.PullOptions{
			BatchSize:  payload.BatchSize,
			FromOffset: payload.FromOffset,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"events": events,
			"count":  len(events),
		})
	}
}

type ackRequest struct {
	ConsumerID string `json:"consumer_id" validate:"required"`
	EventID    string `json:"event_id" validate:"required"`
	EventType  string `json:"event_type,omitempty"`
}

// Acknowledge marks an event processed and advances the consumer offset.
func Acknowledge(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload ackRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := engine.Acknowledge(r.Context(), payload.ConsumerID, payload.EventID, payload.EventType); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"status": "acknowledged"})
	}
}

type nackRequest struct {
	ConsumerID string `json:"consumer_id" validate:"required"`
	EventID    string `json:"event_id" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

// NegativeAck reports a processing failure and routes the event to the DLQ.
func NegativeAck(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload nackRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		reason := validators.SanitizeString(payload.Reason, 512)
		if reason == "" {
			reason = "consumer rejected event"
		}

		if err := engine.NegativeAck(r.Context(), payload.ConsumerID, payload.EventID, reason); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"status": "nacked"})
	}
}

// ConsumerLag reports undelivered event counts for a consumer's pattern.
func ConsumerLag(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumerID := chi.URLParam(r, "consumerId")
		pattern := strings.TrimSpace(r.URL.Query().Get("event_type"))
		if pattern == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event_type query parameter is required"))
			return
		}

		lag, err := engine.ConsumerLag(r.Context(), consumerID, pattern)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"consumer_id": consumerID,
			"event_type":  pattern,
			"lag":         lag,
		})
	}
}

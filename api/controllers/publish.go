package controllers

import (
	"net/http"

	"github.com/voyagio/eventbus/api/middleware"
	"github.com/voyagio/eventbus/api/responses"
	"github.com/voyagio/eventbus/api/validators"
	"github.com/voyagio/eventbus/internal/bus"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
)

type publishRequest struct {
	EventType     string         `json:"event_type" validate:"required"`
	EventVersion  int            `json:"event_version" validate:"omitempty,min=1"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Payload       map[string]any `json:"payload" validate:"required"`
}

func (p publishRequest) toInput(producer string) bus.PublishInput {
	return bus.PublishInput{
		EventType:     p.EventType,
		EventVersion:  p.EventVersion,
		CorrelationID: p.CorrelationID,
		AggregateID:   p.AggregateID,
		Producer:      producer,
		Payload:       p.Payload,
	}
}

// Publish admits a single event onto the bus.
func Publish(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		producer := middleware.ServiceFromContext(r.Context())
		if producer == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "service context missing"))
			return
		}

		var payload publishRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		env, err := engine.Publish(r.Context(), payload.toInput(producer))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, env)
	}
}

type publishBatchRequest struct {
	Events []publishRequest `json:"events" validate:"required,min=1,dive"`
}

type batchItemResponse struct {
	Accepted bool            `json:"accepted"`
	Event    any             `json:"event,omitempty"`
	Error    *batchItemError `json:"error,omitempty"`
}

type batchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PublishBatch admits a batch of events, reporting per-item outcomes.
func PublishBatch(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		producer := middleware.ServiceFromContext(r.Context())
		if producer == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "service context missing"))
			return
		}

		var payload publishBatchRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		inputs := make([]bus.PublishInput, 0, len(payload.Events))
		for _, item := range payload.Events {
			inputs = append(inputs, item.toInput(producer))
		}

		results, err := engine.PublishBatch(r.Context(), inputs)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]batchItemResponse, 0, len(results))
		for _, result := range results {
			item := batchItemResponse{Accepted: result.Err == nil}
			if result.Err != nil {
				typed := pkgerrors.As(result.Err)
				if typed == nil {
					typed = pkgerrors.Wrap(pkgerrors.CodeInternal, result.Err, "publish failed")
				}
				item.Error = &batchItemError{
					Code:    string(typed.Code()),
					Message: typed.Message(),
				}
			} else {
				item.Event = result.Envelope
			}
			items = append(items, item)
		}

		responses.WriteSuccessStatus(w, http.StatusMultiStatus, map[string]any{"results": items})
	}
}

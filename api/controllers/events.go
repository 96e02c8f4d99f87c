package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voyagio/eventbus/api/responses"
	"github.com/voyagio/eventbus/api/validators"
	"github.com/voyagio/eventbus/internal/bus"
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/internal/eventstore"
	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
)

const (
	defaultEventQueryLimit = 100
	maxEventQueryLimit     = 1000
)

// ListEvents queries the log. At least one selector is required: a domain
// window, an exact event_type (its domain is derived), or a correlation_id
// trace across domains. Selectors combine as intersection.
func ListEvents(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		rawDomain := strings.TrimSpace(query.Get("domain"))
		rawType := strings.TrimSpace(query.Get("event_type"))
		correlationID := strings.TrimSpace(query.Get("correlation_id"))
		after := strings.TrimSpace(query.Get("after"))

		limit, err := validators.ParseQueryInt(r, "limit", defaultEventQueryLimit, 1, maxEventQueryLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var eventType enums.EventType
		if rawType != "" {
			eventType, err = enums.ParseEventType(rawType)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event_type"))
				return
			}
		}

		var domain enums.Domain
		if rawDomain != "" {
			domain, err = enums.ParseDomain(rawDomain)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid domain"))
				return
			}
			if eventType != "" && eventType.Domain() != domain {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event_type does not belong to domain"))
				return
			}
		} else if eventType != "" {
			domain = eventType.Domain()
		}

		var events []event.Envelope
		switch {
		case correlationID != "":
			events, err = engine.GetEventTrace(r.Context(), correlationID)
			if err == nil {
				events = filterEvents(events, domain, eventType, limit)
			}
		case domain != "":
			fetchLimit := limit
			if eventType != "" {
				fetchLimit = 0
			}
			events, err = engine.GetEvents(r.Context(), eventstore.Query{
				Domain:       domain,
				AfterEventID: after,
				Limit:        fetchLimit,
			})
			if err == nil && eventType != "" {
				events = filterEvents(events, "", eventType, limit)
			}
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "at least one of domain, event_type or correlation_id is required")
		}
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

func filterEvents(events []event.Envelope, domain enums.Domain, eventType enums.EventType, limit int) []event.Envelope {
	out := make([]event.Envelope, 0, len(events))
	for _, env := range events {
		if domain != "" && env.Domain() != domain {
			continue
		}
		if eventType != "" && env.EventType != eventType {
			continue
		}
		out = append(out, env)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// EventTrace returns every event sharing a correlation id, in order.
func EventTrace(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := chi.URLParam(r, "correlationId")

		events, err := engine.GetEventTrace(r.Context(), correlationID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"correlation_id": correlationID,
			"events":         events,
			"count":          len(events),
		})
	}
}

// ReplayAggregate returns an aggregate's full history for state rebuilds.
func ReplayAggregate(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aggregateID := chi.URLParam(r, "aggregateId")

		events, err := engine.ReplayAggregate(r.Context(), aggregateID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"aggregate_id": aggregateID,
			"events":       events,
			"count":        len(events),
		})
	}
}

// SchemaVersions lists the registered versions for an event type.
func SchemaVersions(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventType := chi.URLParam(r, "eventType")

		versions, err := engine.SchemaVersions(eventType)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"event_type": eventType,
			"versions":   versions,
		})
	}
}

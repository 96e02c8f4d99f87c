package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voyagio/eventbus/api/responses"
	"github.com/voyagio/eventbus/api/validators"
	"github.com/voyagio/eventbus/internal/bus"
	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/pkg/enums"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
)

const (
	defaultDLQQueryLimit = 100
	maxDLQQueryLimit     = 1000
)

// ListDLQ returns dead-letter entries filtered by status and consumer.
func ListDLQ(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := dlq.Filter{
			ConsumerID: strings.TrimSpace(r.URL.Query().Get("consumer_id")),
		}

		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseDLQStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			filter.Status = status
		}

		limit, err := validators.ParseQueryInt(r, "limit", defaultDLQQueryLimit, 1, maxDLQQueryLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter.Limit = limit

		entries, err := engine.ListDLQ(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

// GetDLQEntry returns one dead-letter entry.
func GetDLQEntry(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := engine.GetDLQEntry(r.Context(), chi.URLParam(r, "dlqId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, entry)
	}
}

// RetryDLQEntry re-attempts delivery of a dead-lettered event immediately.
func RetryDLQEntry(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dlqID := chi.URLParam(r, "dlqId")

		delivered, err := engine.RetryDLQEntry(r.Context(), dlqID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"dlq_id":    dlqID,
			"delivered": delivered,
		})
	}
}

type discardRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DiscardDLQEntry permanently drops a dead-letter entry.
func DiscardDLQEntry(engine *bus.Engine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dlqID := chi.URLParam(r, "dlqId")

		var payload discardRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		reason := validators.SanitizeString(payload.Reason, 512)
		if reason == "" {
			reason = "discarded by operator"
		}

		if err := engine.DiscardDLQEntry(r.Context(), dlqID, reason); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"dlq_id": dlqID, "status": "discarded"})
	}
}

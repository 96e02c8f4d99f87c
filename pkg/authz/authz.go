// Package authz holds the static service-to-event authorization tables.
// The bus engine consumes it as a plain predicate pair, so deployments can
// swap the tables without touching the engine.
package authz

import (
	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/enums"
)

// Authorizer answers whether a service may publish an event type or
// subscribe to a pattern.
type Authorizer interface {
	CanPublish(service string, eventType enums.EventType) bool
	CanSubscribe(service string, pattern string) bool
}

// Rules is a table-driven Authorizer. Publish grants are per exact event
// type; subscribe grants are per domain. An empty entry means no access.
type Rules struct {
	publish   map[string]map[enums.EventType]struct{}
	subscribe map[string]map[enums.Domain]struct{}
}

// RuleSet is the declarative form used to build Rules.
type RuleSet struct {
	Publish   map[string][]enums.EventType
	Subscribe map[string][]enums.Domain
}

func New(set RuleSet) *Rules {
	r := &Rules{
		publish:   make(map[string]map[enums.EventType]struct{}),
		subscribe: make(map[string]map[enums.Domain]struct{}),
	}
	for service, types := range set.Publish {
		grants := make(map[enums.EventType]struct{}, len(types))
		for _, et := range types {
			grants[et] = struct{}{}
		}
		r.publish[service] = grants
	}
	for service, domains := range set.Subscribe {
		grants := make(map[enums.Domain]struct{}, len(domains))
		for _, d := range domains {
			grants[d] = struct{}{}
		}
		r.subscribe[service] = grants
	}
	return r
}

func (r *Rules) CanPublish(service string, eventType enums.EventType) bool {
	grants, ok := r.publish[service]
	if !ok {
		return false
	}
	_, ok = grants[eventType]
	return ok
}

// CanSubscribe resolves the pattern's domain and checks the service's
// domain grants. Wildcards and exact types authorize the same way: by
// domain.
func (r *Rules) CanSubscribe(service string, pattern string) bool {
	domain, ok := event.PatternDomain(pattern)
	if !ok {
		return false
	}
	grants, ok := r.subscribe[service]
	if !ok {
		return false
	}
	_, ok = grants[domain]
	return ok
}

// Default is the marketplace's production table: each service publishes
// the types it owns and subscribes to the domains it reacts to. The audit
// service reads everything.
func Default() *Rules {
	return New(RuleSet{
		Publish: map[string][]enums.EventType{
			"request-service": {
				enums.EventRequestCreated,
				enums.EventRequestUpdated,
				enums.EventRequestCancelled,
			},
			"itinerary-service": {
				enums.EventItineraryProposed,
				enums.EventItineraryRevised,
				enums.EventItineraryWithdrawn,
			},
			"matching-service": {
				enums.EventMatchSuggested,
				enums.EventMatchAccepted,
				enums.EventMatchDeclined,
			},
			"booking-service": {
				enums.EventBookingCreated,
				enums.EventBookingConfirmed,
				enums.EventBookingCancelled,
				enums.EventBookingCompleted,
			},
			"payment-service": {
				enums.EventPaymentAuthorized,
				enums.EventPaymentSettled,
				enums.EventPaymentFailed,
				enums.EventPaymentRefunded,
			},
			"messaging-service": {
				enums.EventMessageSent,
				enums.EventThreadArchived,
			},
			"dispute-service": {
				enums.EventDisputeOpened,
				enums.EventDisputeResolved,
				enums.EventDisputeEscalated,
			},
			"review-service": {
				enums.EventReviewSubmitted,
				enums.EventReviewFlagged,
			},
			"identity-service": {
				enums.EventUserRegistered,
				enums.EventUserVerified,
				enums.EventUserSuspended,
			},
			"audit-service": {
				enums.EventAuditRecorded,
			},
		},
		Subscribe: map[string][]enums.Domain{
			"request-service":   {enums.DomainMatching, enums.DomainItineraries},
			"itinerary-service": {enums.DomainRequests, enums.DomainMatching},
			"matching-service":  {enums.DomainRequests, enums.DomainItineraries},
			"booking-service":   {enums.DomainMatching, enums.DomainPayments, enums.DomainDisputes},
			"payment-service":   {enums.DomainBookings, enums.DomainDisputes},
			"messaging-service": {enums.DomainBookings, enums.DomainMatching},
			"dispute-service":   {enums.DomainBookings, enums.DomainPayments},
			"review-service":    {enums.DomainBookings},
			"identity-service":  {enums.DomainDisputes, enums.DomainReviews},
			"notification-service": {
				enums.DomainRequests, enums.DomainItineraries, enums.DomainMatching,
				enums.DomainBookings, enums.DomainPayments, enums.DomainMessaging,
				enums.DomainDisputes, enums.DomainReviews, enums.DomainIdentity,
			},
			"audit-service": {
				enums.DomainRequests, enums.DomainItineraries, enums.DomainMatching,
				enums.DomainBookings, enums.DomainPayments, enums.DomainMessaging,
				enums.DomainDisputes, enums.DomainReviews, enums.DomainIdentity,
				enums.DomainAudit,
			},
		},
	})
}

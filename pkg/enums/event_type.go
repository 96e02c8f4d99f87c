package enums

import (
	"fmt"
	"strings"
)

// EventType is a fully qualified "<domain>.<NAME>" event identifier.
type EventType string

const (
	EventRequestCreated   EventType = "requests.REQUEST_CREATED"
	EventRequestUpdated   EventType = "requests.REQUEST_UPDATED"
	EventRequestCancelled EventType = "requests.REQUEST_CANCELLED"

	EventItineraryProposed  EventType = "itineraries.ITINERARY_PROPOSED"
	EventItineraryRevised   EventType = "itineraries.ITINERARY_REVISED"
	EventItineraryWithdrawn EventType = "itineraries.ITINERARY_WITHDRAWN"

	EventMatchSuggested EventType = "matching.MATCH_SUGGESTED"
	EventMatchAccepted  EventType = "matching.MATCH_ACCEPTED"
	EventMatchDeclined  EventType = "matching.MATCH_DECLINED"

	EventBookingCreated   EventType = "bookings.BOOKING_CREATED"
	EventBookingConfirmed EventType = "bookings.BOOKING_CONFIRMED"
	EventBookingCancelled EventType = "bookings.BOOKING_CANCELLED"
	EventBookingCompleted EventType = "bookings.BOOKING_COMPLETED"

	EventPaymentAuthorized EventType = "payments.PAYMENT_AUTHORIZED"
	EventPaymentSettled    EventType = "payments.PAYMENT_SETTLED"
	EventPaymentFailed     EventType = "payments.PAYMENT_FAILED"
	EventPaymentRefunded   EventType = "payments.PAYMENT_REFUNDED"

	EventMessageSent    EventType = "messaging.MESSAGE_SENT"
	EventThreadArchived EventType = "messaging.THREAD_ARCHIVED"

	EventDisputeOpened    EventType = "disputes.DISPUTE_OPENED"
	EventDisputeEscalated EventType = "disputes.DISPUTE_ESCALATED"
	EventDisputeResolved  EventType = "disputes.DISPUTE_RESOLVED"

	EventReviewSubmitted EventType = "reviews.REVIEW_SUBMITTED"
	EventReviewFlagged   EventType = "reviews.REVIEW_FLAGGED"

	EventUserRegistered EventType = "identity.USER_REGISTERED"
	EventUserVerified   EventType = "identity.USER_VERIFIED"
	EventUserSuspended  EventType = "identity.USER_SUSPENDED"

	EventAuditRecorded EventType = "audit.AUDIT_RECORDED"
)

var eventTypesByDomain = map[Domain][]EventType{
	DomainRequests:    {EventRequestCreated, EventRequestUpdated, EventRequestCancelled},
	DomainItineraries: {EventItineraryProposed, EventItineraryRevised, EventItineraryWithdrawn},
	DomainMatching:    {EventMatchSuggested, EventMatchAccepted, EventMatchDeclined},
	DomainBookings:    {EventBookingCreated, EventBookingConfirmed, EventBookingCancelled, EventBookingCompleted},
	DomainPayments:    {EventPaymentAuthorized, EventPaymentSettled, EventPaymentFailed, EventPaymentRefunded},
	DomainMessaging:   {EventMessageSent, EventThreadArchived},
	DomainDisputes:    {EventDisputeOpened, EventDisputeEscalated, EventDisputeResolved},
	DomainReviews:     {EventReviewSubmitted, EventReviewFlagged},
	DomainIdentity:    {EventUserRegistered, EventUserVerified, EventUserSuspended},
	DomainAudit:       {EventAuditRecorded},
}

// EventTypesForDomain returns the catalog entries under one domain.
func EventTypesForDomain(domain Domain) []EventType {
	entries := eventTypesByDomain[domain]
	out := make([]EventType, len(entries))
	copy(out, entries)
	return out
}

// String implements fmt.Stringer.
func (e EventType) String() string {
	return string(e)
}

// Domain returns the namespace prefix of the event type.
func (e EventType) Domain() Domain {
	name := string(e)
	idx := strings.Index(name, ".")
	if idx <= 0 {
		return ""
	}
	return Domain(name[:idx])
}

// IsValid reports whether the value belongs to the closed catalog.
func (e EventType) IsValid() bool {
	for _, candidate := range eventTypesByDomain[e.Domain()] {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEventType converts raw input into a catalog EventType.
func ParseEventType(value string) (EventType, error) {
	et := EventType(value)
	if !et.IsValid() {
		return "", fmt.Errorf("invalid event type %q", value)
	}
	return et, nil
}

package schema

import (
	"fmt"

	"github.com/voyagio/eventbus/pkg/enums"
)

// RegisterCatalog loads the version-1 contracts for the marketplace event
// types. Domains without a listed contract stay admissible but unvalidated
// until a schema ships for them.
func RegisterCatalog(r *Registry) error {
	contracts := map[enums.EventType]Schema{
		enums.EventRequestCreated: {Fields: map[string]FieldSpec{
			"request_id":  {Type: TypeString, Required: true, Rules: "uuid4"},
			"traveler_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"destination": {Type: TypeString, Required: true},
			"budget":      {Type: TypeNumber},
			"party_size":  {Type: TypeInteger, Rules: "min=1"},
		}},
		enums.EventRequestCancelled: {Fields: map[string]FieldSpec{
			"request_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"reason":     {Type: TypeString},
		}},
		enums.EventItineraryProposed: {Fields: map[string]FieldSpec{
			"itinerary_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"request_id":   {Type: TypeString, Required: true, Rules: "uuid4"},
			"agency_id":    {Type: TypeString, Required: true, Rules: "uuid4"},
			"total_price":  {Type: TypeNumber, Required: true, Rules: "min=0"},
		}},
		enums.EventMatchAccepted: {Fields: map[string]FieldSpec{
			"request_id":   {Type: TypeString, Required: true, Rules: "uuid4"},
			"itinerary_id": {Type: TypeString, Required: true, Rules: "uuid4"},
		}},
		enums.EventBookingCreated: {Fields: map[string]FieldSpec{
			"booking_id":   {Type: TypeString, Required: true, Rules: "uuid4"},
			"itinerary_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"traveler_id":  {Type: TypeString, Required: true, Rules: "uuid4"},
			"total":        {Type: TypeNumber, Required: true, Rules: "min=0"},
			"currency":     {Type: TypeString, Rules: "len=3"},
		}},
		enums.EventBookingConfirmed: {Fields: map[string]FieldSpec{
			"booking_id": {Type: TypeString, Required: true, Rules: "uuid4"},
		}},
		enums.EventBookingCancelled: {Fields: map[string]FieldSpec{
			"booking_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"reason":     {Type: TypeString},
		}},
		enums.EventPaymentAuthorized: {Fields: map[string]FieldSpec{
			"payment_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"booking_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"amount":     {Type: TypeNumber, Required: true, Rules: "min=0"},
		}},
		enums.EventPaymentFailed: {Fields: map[string]FieldSpec{
			"payment_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"booking_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"error_code": {Type: TypeString, Required: true},
		}},
		enums.EventMessageSent: {Fields: map[string]FieldSpec{
			"message_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"thread_id":  {Type: TypeString, Required: true, Rules: "uuid4"},
			"sender_id":  {Type: TypeString, Required: true, Rules: "uuid4"},
		}},
		enums.EventDisputeOpened: {Fields: map[string]FieldSpec{
			"dispute_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"booking_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"opened_by":  {Type: TypeString, Required: true, Rules: "uuid4"},
		}},
		enums.EventReviewSubmitted: {Fields: map[string]FieldSpec{
			"review_id":  {Type: TypeString, Required: true, Rules: "uuid4"},
			"booking_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"rating":     {Type: TypeInteger, Required: true, Rules: "min=1,max=5"},
		}},
		enums.EventUserRegistered: {Fields: map[string]FieldSpec{
			"user_id": {Type: TypeString, Required: true, Rules: "uuid4"},
			"email":   {Type: TypeString, Required: true, Rules: "email"},
			"role":    {Type: TypeString, Rules: "oneof=traveler agency admin"},
		}},
	}

	for eventType, contract := range contracts {
		if err := r.Register(eventType, 1, contract); err != nil {
			return fmt.Errorf("registering catalog schema for %s: %w", eventType, err)
		}
	}
	return nil
}

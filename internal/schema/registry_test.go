package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voyagio/eventbus/pkg/enums"
)

func TestValidateUnknownType(t *testing.T) {
	r := NewRegistry(nil)

	result := r.Validate(context.Background(), ValidateInput{
		EventType: "freight.CRATE_LOADED",
		Payload:   map[string]any{},
	})

	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "event_type", result.Errors[0].Path)
}

func TestValidateKnownTypeWithoutSchemaIsAdmitted(t *testing.T) {
	r := NewRegistry(nil)

	result := r.Validate(context.Background(), ValidateInput{
		EventType: string(enums.EventAuditRecorded),
		Payload:   map[string]any{"anything": true},
	})

	require.True(t, result.Valid)
	require.True(t, result.Unvalidated)
	require.Zero(t, result.AppliedVersion)
}

func TestValidateMissingRequiredField(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, RegisterCatalog(r))

	result := r.Validate(context.Background(), ValidateInput{
		EventType: string(enums.EventBookingCreated),
		Payload:   map[string]any{},
	})

	require.False(t, result.Valid)
	paths := map[string]string{}
	for _, fe := range result.Errors {
		paths[fe.Path] = fe.Message
	}
	require.Equal(t, "is required", paths["booking_id"])
	require.Equal(t, "is required", paths["total"])
}

func TestValidateTypeAndRuleChecks(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(enums.EventReviewSubmitted, 1, Schema{Fields: map[string]FieldSpec{
		"review_id": {Type: TypeString, Required: true},
		"rating":    {Type: TypeInteger, Required: true, Rules: "min=1,max=5"},
		"verified":  {Type: TypeBoolean},
	}}))

	tests := []struct {
		name    string
		payload map[string]any
		wantOK  bool
		path    string
	}{
		{
			name:    "valid payload",
			payload: map[string]any{"review_id": "r-1", "rating": float64(4)},
			wantOK:  true,
		},
		{
			name:    "wrong field type",
			payload: map[string]any{"review_id": "r-1", "rating": "four"},
			path:    "rating",
		},
		{
			name:    "fractional integer",
			payload: map[string]any{"review_id": "r-1", "rating": 4.5},
			path:    "rating",
		},
		{
			name:    "rule violation",
			payload: map[string]any{"review_id": "r-1", "rating": float64(9)},
			path:    "rating",
		},
		{
			name:    "optional field wrong type",
			payload: map[string]any{"review_id": "r-1", "rating": float64(3), "verified": "yes"},
			path:    "verified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Validate(context.Background(), ValidateInput{
				EventType: string(enums.EventReviewSubmitted),
				Payload:   tt.payload,
			})
			if tt.wantOK {
				require.True(t, result.Valid, "errors: %v", result.Errors)
				return
			}
			require.False(t, result.Valid)
			require.Equal(t, tt.path, result.Errors[0].Path)
		})
	}
}

func TestValidateVersionFallback(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(enums.EventBookingConfirmed, 1, Schema{Fields: map[string]FieldSpec{
		"booking_id": {Type: TypeString, Required: true},
	}}))
	require.NoError(t, r.Register(enums.EventBookingConfirmed, 2, Schema{Fields: map[string]FieldSpec{
		"booking_id":   {Type: TypeString, Required: true},
		"confirmed_by": {Type: TypeString},
	}}))

	exact := r.Validate(context.Background(), ValidateInput{
		EventType:    string(enums.EventBookingConfirmed),
		EventVersion: 1,
		Payload:      map[string]any{"booking_id": "b-1"},
	})
	require.True(t, exact.Valid)
	require.Equal(t, 1, exact.AppliedVersion)

	// unregistered version falls back to the latest contract
	fallback := r.Validate(context.Background(), ValidateInput{
		EventType:    string(enums.EventBookingConfirmed),
		EventVersion: 7,
		Payload:      map[string]any{"booking_id": "b-1"},
	})
	require.True(t, fallback.Valid)
	require.Equal(t, 2, fallback.AppliedVersion)
}

func TestRegisterDuplicateIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	strict := Schema{Fields: map[string]FieldSpec{
		"booking_id": {Type: TypeString, Required: true},
	}}
	loose := Schema{Fields: map[string]FieldSpec{}}

	require.NoError(t, r.Register(enums.EventBookingCancelled, 1, strict))
	require.NoError(t, r.Register(enums.EventBookingCancelled, 1, loose))

	// original contract survives the duplicate registration
	result := r.Validate(context.Background(), ValidateInput{
		EventType: string(enums.EventBookingCancelled),
		Payload:   map[string]any{},
	})
	require.False(t, result.Valid)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry(nil)
	require.Error(t, r.Register("freight.CRATE_LOADED", 1, Schema{}))
	require.Error(t, r.Register(enums.EventBookingCreated, 0, Schema{}))
}

func TestRegisterCatalogCoversBookings(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, RegisterCatalog(r))
	require.NotEmpty(t, r.Versions(enums.EventBookingCreated))
	require.NotEmpty(t, r.Versions(enums.EventPaymentFailed))
}

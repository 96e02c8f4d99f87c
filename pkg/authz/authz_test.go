package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voyagio/eventbus/pkg/enums"
)

func TestCanPublishIsPerType(t *testing.T) {
	rules := Default()

	require.True(t, rules.CanPublish("booking-service", enums.EventBookingCreated))
	require.False(t, rules.CanPublish("booking-service", enums.EventPaymentSettled))
	require.False(t, rules.CanPublish("unknown-service", enums.EventBookingCreated))
}

func TestCanSubscribeIsPerDomain(t *testing.T) {
	rules := Default()

	require.True(t, rules.CanSubscribe("payment-service", "bookings.*"))
	require.True(t, rules.CanSubscribe("payment-service", string(enums.EventBookingCreated)))
	require.False(t, rules.CanSubscribe("payment-service", "reviews.*"))
	require.False(t, rules.CanSubscribe("payment-service", "shipping.*"), "unknown domains never authorize")
}

func TestAuditServiceReadsEverything(t *testing.T) {
	rules := Default()
	for _, domain := range enums.Domains() {
		require.True(t, rules.CanSubscribe("audit-service", string(domain)+".*"), string(domain))
	}
}

func TestCustomRuleSet(t *testing.T) {
	rules := New(RuleSet{
		Publish:   map[string][]enums.EventType{"svc": {enums.EventReviewSubmitted}},
		Subscribe: map[string][]enums.Domain{"svc": {enums.DomainReviews}},
	})

	require.True(t, rules.CanPublish("svc", enums.EventReviewSubmitted))
	require.False(t, rules.CanPublish("svc", enums.EventReviewFlagged))
	require.True(t, rules.CanSubscribe("svc", "reviews.*"))
	require.False(t, rules.CanSubscribe("svc", "bookings.*"))
}

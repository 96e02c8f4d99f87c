package enums

import "fmt"

// Domain is a logical event namespace and the unit of sequence scoping.
type Domain string

const (
	DomainRequests    Domain = "requests"
	DomainItineraries Domain = "itineraries"
	DomainMatching    Domain = "matching"
	DomainBookings    Domain = "bookings"
	DomainPayments    Domain = "payments"
	DomainMessaging   Domain = "messaging"
	DomainDisputes    Domain = "disputes"
	DomainReviews     Domain = "reviews"
	DomainIdentity    Domain = "identity"
	DomainAudit       Domain = "audit"
)

var validDomains = []Domain{
	DomainRequests,
	DomainItineraries,
	DomainMatching,
	DomainBookings,
	DomainPayments,
	DomainMessaging,
	DomainDisputes,
	DomainReviews,
	DomainIdentity,
	DomainAudit,
}

// Domains returns the closed set of event namespaces.
func Domains() []Domain {
	out := make([]Domain, len(validDomains))
	copy(out, validDomains)
	return out
}

// String implements fmt.Stringer.
func (d Domain) String() string {
	return string(d)
}

// IsValid reports whether the value is a known domain.
func (d Domain) IsValid() bool {
	for _, candidate := range validDomains {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDomain converts raw input into a Domain.
func ParseDomain(value string) (Domain, error) {
	for _, candidate := range validDomains {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid domain %q", value)
}

package event

import (
	"strings"
	"time"

	"github.com/voyagio/eventbus/pkg/enums"
)

// Envelope is the immutable record of one published event. Every field is
// fixed at append time; Sequence is strictly increasing within a domain and
// never reused.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     enums.EventType `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	CorrelationID string          `json:"correlation_id"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	Producer      string          `json:"producer"`
	Payload       map[string]any  `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Sequence      int64           `json:"sequence"`
}

// Domain returns the namespace the envelope is sequenced under.
func (e Envelope) Domain() enums.Domain {
	return e.EventType.Domain()
}

// Clone returns a deep copy so stored envelopes stay immutable.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Payload != nil {
		out.Payload = clonePayload(e.Payload)
	}
	return out
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// WildcardSuffix marks a subscription entry that matches a whole domain.
const WildcardSuffix = ".*"

// TypeMatches reports whether an event type satisfies a subscription entry:
// an exact type, or a "<domain>.*" wildcard.
func TypeMatches(pattern string, eventType enums.EventType) bool {
	if pattern == string(eventType) {
		return true
	}
	if !strings.HasSuffix(pattern, WildcardSuffix) {
		return false
	}
	domain := strings.TrimSuffix(pattern, WildcardSuffix)
	return domain != "" && enums.Domain(domain) == eventType.Domain()
}

// PatternDomain resolves the domain a subscription entry targets. It returns
// false for malformed entries.
func PatternDomain(pattern string) (enums.Domain, bool) {
	if strings.HasSuffix(pattern, WildcardSuffix) {
		domain := enums.Domain(strings.TrimSuffix(pattern, WildcardSuffix))
		return domain, domain.IsValid()
	}
	domain := enums.EventType(pattern).Domain()
	return domain, domain.IsValid()
}

// IsWildcard reports whether a subscription entry is a domain wildcard.
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, WildcardSuffix)
}

package models

import (
	"encoding/json"
	"time"
)

// EventRecord is the persisted form of an event envelope. Rows are insert-only.
type EventRecord struct {
	EventID       string          `gorm:"column:event_id;type:uuid;primaryKey"`
	Domain        string          `gorm:"column:domain;not null;uniqueIndex:ux_events_domain_sequence,priority:1;index:idx_events_domain"`
	Sequence      int64           `gorm:"column:sequence;not null;uniqueIndex:ux_events_domain_sequence,priority:2"`
	EventType     string          `gorm:"column:event_type;not null;index:idx_events_event_type"`
	EventVersion  int             `gorm:"column:event_version;not null;default:1"`
	CorrelationID string          `gorm:"column:correlation_id;not null;index:idx_events_correlation_id"`
	AggregateID   string          `gorm:"column:aggregate_id;index:idx_events_aggregate_id"`
	Producer      string          `gorm:"column:producer;not null"`
	Payload       json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	OccurredAt    time.Time       `gorm:"column:occurred_at;not null"`
}

// TableName pins the table used by the event store backend.
func (EventRecord) TableName() string {
	return "events"
}

// DomainSequence tracks the last assigned sequence per domain. Updated under
// a row lock so concurrent appends never share a sequence number.
type DomainSequence struct {
	Domain       string `gorm:"column:domain;primaryKey"`
	LastSequence int64  `gorm:"column:last_sequence;not null;default:0"`
}

// TableName pins the sequence counter table.
func (DomainSequence) TableName() string {
	return "domain_sequences"
}

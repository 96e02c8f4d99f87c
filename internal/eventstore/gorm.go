package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/voyagio/eventbus/internal/event"
	"github.com/voyagio/eventbus/pkg/db/models"
	"github.com/voyagio/eventbus/pkg/enums"
)

// GormBackend is the durable event store implementation. It keeps the same
// contract as MemoryBackend; sequence assignment serializes on a per-domain
// counter row held under the insert transaction.
type GormBackend struct {
	conn *gorm.DB
}

// NewGormBackend wraps an open GORM connection.
func NewGormBackend(conn *gorm.DB) (*GormBackend, error) {
	if conn == nil {
		return nil, errors.New("gorm connection is required")
	}
	return &GormBackend{conn: conn}, nil
}

func (b *GormBackend) Append(ctx context.Context, env *event.Envelope) error {
	domain := string(env.Domain())

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	return b.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`INSERT INTO domain_sequences (domain, last_sequence) VALUES (?, 0) ON CONFLICT (domain) DO NOTHING`,
			domain,
		).Error; err != nil {
			return fmt.Errorf("seeding sequence row: %w", err)
		}

		var seq int64
		if err := tx.Raw(
			`UPDATE domain_sequences SET last_sequence = last_sequence + 1 WHERE domain = ? RETURNING last_sequence`,
			domain,
		).Scan(&seq).Error; err != nil {
			return fmt.Errorf("advancing sequence: %w", err)
		}
		env.Sequence = seq

		record := models.EventRecord{
			EventID:       env.EventID,
			Domain:        domain,
			Sequence:      env.Sequence,
			EventType:     string(env.EventType),
			EventVersion:  env.EventVersion,
			CorrelationID: env.CorrelationID,
			AggregateID:   env.AggregateID,
			Producer:      env.Producer,
			Payload:       payload,
			OccurredAt:    env.OccurredAt,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		return nil
	})
}

func (b *GormBackend) GetByID(ctx context.Context, eventID string) (*event.Envelope, error) {
	var record models.EventRecord
	err := b.conn.WithContext(ctx).Where("event_id = ?", eventID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	env, err := recordToEnvelope(record)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (b *GormBackend) ListDomain(ctx context.Context, domain enums.Domain, afterSeq int64, limit int) ([]event.Envelope, error) {
	query := b.conn.WithContext(ctx).
		Where("domain = ? AND sequence > ?", string(domain), afterSeq).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return recordsToEnvelopes(records)
}

func (b *GormBackend) CountDomainAfter(ctx context.Context, domain enums.Domain, afterSeq int64) (int64, error) {
	var count int64
	err := b.conn.WithContext(ctx).
		Model(&models.EventRecord{}).
		Where("domain = ? AND sequence > ?", string(domain), afterSeq).
		Count(&count).Error
	return count, err
}

func (b *GormBackend) ListByCorrelation(ctx context.Context, correlationID string) ([]event.Envelope, error) {
	var records []models.EventRecord
	err := b.conn.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("occurred_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return recordsToEnvelopes(records)
}

func (b *GormBackend) ListByAggregate(ctx context.Context, aggregateID string) ([]event.Envelope, error) {
	if aggregateID == "" {
		return []event.Envelope{}, nil
	}
	var records []models.EventRecord
	err := b.conn.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return recordsToEnvelopes(records)
}

func (b *GormBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func recordToEnvelope(record models.EventRecord) (event.Envelope, error) {
	var payload map[string]any
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			return event.Envelope{}, fmt.Errorf("decoding payload for %s: %w", record.EventID, err)
		}
	}
	return event.Envelope{
		EventID:       record.EventID,
		EventType:     enums.EventType(record.EventType),
		EventVersion:  record.EventVersion,
		CorrelationID: record.CorrelationID,
		AggregateID:   record.AggregateID,
		Producer:      record.Producer,
		Payload:       payload,
		OccurredAt:    record.OccurredAt.UTC(),
		Sequence:      record.Sequence,
	}, nil
}

func recordsToEnvelopes(records []models.EventRecord) ([]event.Envelope, error) {
	out := make([]event.Envelope, 0, len(records))
	for _, record := range records {
		env, err := recordToEnvelope(record)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

var _ Backend = (*GormBackend)(nil)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics is the observability sink the engine reports into.
type BusMetrics struct {
	published        *prometheus.CounterVec
	publishRejected  *prometheus.CounterVec
	unvalidated      *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	dlqOpen          prometheus.Gauge
}

// NewBusMetrics registers the event bus metrics on the provided registerer.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	if reg == nil {
		return &BusMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_published_total",
		Help: "Events admitted to the store.",
	}, []string{"domain"})
	publishRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_publish_rejected_total",
		Help: "Publish attempts rejected before append.",
	}, []string{"reason"})
	unvalidated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_unvalidated_admissions_total",
		Help: "Events admitted for known types with no registered schema.",
	}, []string{"event_type"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_deliveries_total",
		Help: "Events handed to consumers.",
	}, []string{"channel"})
	deliveryFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_delivery_failures_total",
		Help: "Delivery attempts that failed.",
	}, []string{"channel"})
	dlqOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_dlq_open_entries",
		Help: "Dead-letter entries awaiting retry or operator action.",
	})
	reg.MustRegister(published, publishRejected, unvalidated, deliveries, deliveryFailures, dlqOpen)
	return &BusMetrics{
		published:        published,
		publishRejected:  publishRejected,
		unvalidated:      unvalidated,
		deliveries:       deliveries,
		deliveryFailures: deliveryFailures,
		dlqOpen:          dlqOpen,
	}
}

// IncPublished counts an admitted event for the given domain.
func (m *BusMetrics) IncPublished(domain string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(domain)).Inc()
}

// IncPublishRejected counts a rejected publish attempt.
func (m *BusMetrics) IncPublishRejected(reason string) {
	if m == nil || m.publishRejected == nil {
		return
	}
	m.publishRejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncUnvalidated counts an admission that skipped schema validation.
func (m *BusMetrics) IncUnvalidated(eventType string) {
	if m == nil || m.unvalidated == nil {
		return
	}
	m.unvalidated.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncDelivered counts a delivery on the given channel ("pull" or "webhook").
func (m *BusMetrics) IncDelivered(channel string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(channel)).Inc()
}

// IncDeliveryFailure counts a failed delivery on the given channel.
func (m *BusMetrics) IncDeliveryFailure(channel string) {
	if m == nil || m.deliveryFailures == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(normalizeLabel(channel)).Inc()
}

// IncDLQOpen tracks a newly opened dead-letter entry.
func (m *BusMetrics) IncDLQOpen() {
	if m == nil || m.dlqOpen == nil {
		return
	}
	m.dlqOpen.Inc()
}

// DecDLQOpen tracks a dead-letter entry reaching a terminal state.
func (m *BusMetrics) DecDLQOpen() {
	if m == nil || m.dlqOpen == nil {
		return
	}
	m.dlqOpen.Dec()
}

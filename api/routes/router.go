package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voyagio/eventbus/api/controllers"
	"github.com/voyagio/eventbus/api/middleware"
	"github.com/voyagio/eventbus/internal/bus"
	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/db"
	"github.com/voyagio/eventbus/pkg/logger"
	pkgredis "github.com/voyagio/eventbus/pkg/redis"
)

// RouterDeps carries everything the HTTP surface needs. IdempotencyStore
// and RedisPinger may be nil when Redis is not configured.
type RouterDeps struct {
	Config           *config.Config
	Logger           *logger.Logger
	Engine           *bus.Engine
	IdempotencyStore pkgredis.IdempotencyStore
	RedisPinger      db.Pinger
}

// NewRouter wires the full HTTP surface: admission, consumption, queries,
// dead-letter operations, and health.
func NewRouter(deps RouterDeps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger
	engine := deps.Engine

	r := chi.NewRouter()
	r.Use(middleware.Recoverer(logg))
	r.Use(middleware.RequestID(logg))
	r.Use(middleware.Logging(logg))
	r.Use(middleware.CORS())

	// Unauthenticated surface.
	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg, engine, deps.RedisPinger))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Everything else requires a service identity.
	r.Group(func(r chi.Router) {
		r.Use(middleware.ServiceAuth(cfg, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Idempotency(deps.IdempotencyStore, logg))
			r.Post("/publish", controllers.Publish(engine, logg))
			r.Post("/publish/batch", controllers.PublishBatch(engine, logg))
		})

		r.Route("/consumers", func(r chi.Router) {
			r.Post("/", controllers.RegisterConsumer(engine, logg))
			r.Get("/", controllers.ListConsumers(engine, logg))
			r.Get("/{consumerId}", controllers.GetConsumer(engine, logg))
			r.Delete("/{consumerId}", controllers.RemoveConsumer(engine, logg))
			r.Post("/{consumerId}/deactivate", controllers.DeactivateConsumer(engine, logg))
			r.Get("/{consumerId}/lag", controllers.ConsumerLag(engine, logg))
		})

		r.Post("/subscribe", controllers.Subscribe(engine, logg))
		r.Post("/consume", controllers.Consume(engine, logg))
		r.Post("/ack", controllers.Acknowledge(engine, logg))
		r.Post("/nack", controllers.NegativeAck(engine, logg))

		r.Route("/events", func(r chi.Router) {
			r.Get("/", controllers.ListEvents(engine, logg))
			r.Get("/trace/{correlationId}", controllers.EventTrace(engine, logg))
			r.Get("/replay/{aggregateId}", controllers.ReplayAggregate(engine, logg))
		})

		r.Get("/schemas/{eventType}/versions", controllers.SchemaVersions(engine, logg))

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", controllers.ListDLQ(engine, logg))
			r.Get("/{dlqId}", controllers.GetDLQEntry(engine, logg))
			r.Post("/{dlqId}/retry", controllers.RetryDLQEntry(engine, logg))
			r.Post("/{dlqId}/discard", controllers.DiscardDLQEntry(engine, logg))
		})
	})

	return r
}

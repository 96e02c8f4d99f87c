package migrate

import (
	"context"
	"fmt"

	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/db"
	"github.com/voyagio/eventbus/pkg/logger"
)

// MaybeRunDev executes migrations automatically when the service runs the
// Postgres store in dev mode.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || cfg.Store.Driver != config.StoreDriverPostgres {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	meta := map[string]any{"env": cfg.App.Env, "dir": DefaultDir}
	ctx = logg.WithFields(ctx, meta)
	logg.Info(ctx, "running Goose migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "Goose migrations completed")
	return nil
}

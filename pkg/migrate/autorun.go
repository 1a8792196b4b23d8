package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/db"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

// autoRunEnabled reports whether boot-time migration applies. Only dev
// environments on the Postgres backend with LEDGER_DB_AUTO_MIGRATE set do.
func autoRunEnabled(cfg *config.Config) bool {
	return cfg != nil && cfg.App.IsDev() && cfg.DB.AutoMigrate && cfg.Ledger.UsesPostgres()
}

// MaybeRunDev brings the schema up to the bundled head on boot. Outside dev
// it does nothing and schema changes go through cmd/migrate.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !autoRunEnabled(cfg) {
		return nil
	}
	if client == nil {
		return errors.New("auto-migrate needs a database client")
	}
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	src := Bundled()
	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "source": src.String()})
	}
	var before int64
	if err := src.with(func(string) error {
		before, err = goose.GetDBVersionContext(ctx, sqlDB)
		return err
	}); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if err := Run(ctx, sqlDB, src, "up"); err != nil {
		return err
	}

	var after int64
	_ = src.with(func(string) error {
		after, err = goose.GetDBVersionContext(ctx, sqlDB)
		return err
	})
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"from_version": before, "to_version": after}), "schema migrated on boot")
	}
	return nil
}

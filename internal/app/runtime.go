// Package app assembles the ledger runtime shared by the api and cron binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/internal/storage/memory"
	"github.com/angelmondragon/compliance-ledger/internal/storage/postgres"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/db"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/metrics"
	"github.com/angelmondragon/compliance-ledger/pkg/migrate"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
	"github.com/angelmondragon/compliance-ledger/pkg/redis"
)

// Runtime holds the collaborators behind a ledger Manager. DB is nil with the
// memory backend and Redis is nil when no endpoint is configured.
type Runtime struct {
	Manager *ledger.Manager
	Rules   *compliance.Loader
	Metrics *metrics.LedgerMetrics
	DB      *db.Client
	Redis   *redis.Client

	closers []func() error
}

// Build wires storage, signing, compliance rules and locking from cfg.
// Metrics are registered on reg when it is non-nil.
func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{}
	built := false
	defer func() {
		if !built {
			if err := rt.Close(); err != nil {
				logg.Error(ctx, "closing partially built runtime", err)
			}
		}
	}()

	digester, err := chain.DigesterFor(cfg.Ledger.DigestAlgorithm)
	if err != nil {
		return nil, err
	}

	// both stay untyped nil when signing is off
	var (
		signer   ledger.Signer
		verifier chain.SignatureVerifier
	)
	if cfg.Signing.Enabled() {
		keyring, err := chain.NewKeyring(cfg.Signing.Keys, cfg.Signing.ActiveKeyID)
		if err != nil {
			return nil, fmt.Errorf("signing keyring: %w", err)
		}
		signer, verifier = keyring, keyring
	}

	rt.Metrics = metrics.NewLedgerMetrics(reg)

	threshold, err := enums.ParseRuleSeverity(cfg.Ledger.BlockingSeverity)
	if err != nil {
		return nil, err
	}
	rules, err := compliance.NewLoader(compliance.LoaderParams{
		Path:             cfg.Compliance.RulesFile,
		BlockingSeverity: threshold,
		Observer:         rt.Metrics,
		Logger:           logg,
	})
	if err != nil {
		return nil, fmt.Errorf("compliance rules: %w", err)
	}
	rt.Rules = rules

	var store ledger.Store
	if cfg.Ledger.UsesPostgres() {
		client, err := db.New(ctx, cfg.DB, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database: %w", err)
		}
		rt.DB = client
		rt.closers = append(rt.closers, rt.DB.Close)
		if err := migrate.MaybeRunDev(ctx, cfg, logg, rt.DB); err != nil {
			return nil, fmt.Errorf("dev migrations: %w", err)
		}
		emitter := outbox.NewService(outbox.NewRepository(rt.DB.DB()), logg)
		pgStore, err := postgres.New(rt.DB, emitter, digester, verifier)
		if err != nil {
			return nil, err
		}
		store = pgStore
	} else {
		store = memory.New(digester, verifier)
	}

	if cfg.Redis.Enabled() {
		client, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		rt.Redis = client
		rt.closers = append(rt.closers, rt.Redis.Close)
	}

	var lock ledger.ChainLock
	if cfg.Ledger.DistributedLock {
		if rt.Redis == nil {
			return nil, errors.New("distributed chain lock requires redis")
		}
		redisLocks, err := ledger.NewRedisLocks(rt.Redis, rt.Redis.ChainLockKey, cfg.Ledger.LockTTL)
		if err != nil {
			return nil, err
		}
		lock = redisLocks
	}

	manager, err := ledger.NewManager(ledger.Params{
		Store:         store,
		Policy:        rt.Rules,
		Digester:      digester,
		Lock:          lock,
		Signer:        signer,
		Metrics:       rt.Metrics,
		Logger:        logg,
		AppendTimeout: cfg.Ledger.AppendTimeout,
	})
	if err != nil {
		return nil, err
	}
	rt.Manager = manager
	built = true
	return rt, nil
}

// WatchRules starts hot reload of the rules file when enabled.
func (rt *Runtime) WatchRules(ctx context.Context, cfg *config.Config) error {
	if !cfg.Compliance.HotReload {
		return nil
	}
	return rt.Rules.Watch(ctx)
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i]())
	}
	rt.closers = nil
	return err
}

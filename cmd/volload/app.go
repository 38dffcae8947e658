package main

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/config"
	"github.com/gyeh/volumetria/internal/db"
	"github.com/gyeh/volumetria/internal/exitcode"
	"github.com/gyeh/volumetria/internal/lock"
	"github.com/gyeh/volumetria/internal/metrics"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/reconcile"
)

// openPool validates the DSN and connects, exiting on failure.
func openPool(ctx context.Context, log zerolog.Logger) *pgxpool.Pool {
	if err := cfg.RequireDSN(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}
	pool, err := db.NewPool(ctx, cfg.DSN)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(exitcode.DBConnError)
	}
	return pool
}

func loadCatalog(log zerolog.Logger) *catalog.Catalog {
	var (
		cat *catalog.Catalog
		err error
	)
	if cfg.CatalogPath == "" {
		cat, err = catalog.Default()
	} else {
		cat, err = catalog.Load(cfg.CatalogPath)
	}
	if err != nil {
		log.Error().Err(err).Str("catalog", cfg.CatalogPath).Msg("rule catalog invalid")
		os.Exit(exitcode.ValidationError)
	}
	log.Debug().Str("catalog_version", cat.Version).Msg("rule catalog loaded")
	return cat
}

func newLocker(pool *pgxpool.Pool) batch.Locker {
	switch cfg.LockBackend {
	case config.LockRedis:
		return lock.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	case config.LockLocal:
		return lock.NewLocal()
	default:
		if pool == nil {
			return lock.NewLocal()
		}
		return lock.NewPostgres(pool)
	}
}

func processorOptions(locker batch.Locker, rec *metrics.Recorder, mon *reconcile.Monitor) batch.Options {
	opts := batch.Options{
		LotSize:    cfg.LotSize,
		Budget:     cfg.Budget,
		RowTimeout: cfg.RowTimeout,
		FailOpen:   cfg.FailOpen,
		Locker:     locker,
		Reconciler: mon,
	}
	if rec != nil {
		opts.Recorder = rec
	}
	return opts
}

func parseBatchID(log zerolog.Logger, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		log.Error().Err(err).Str("batch_id", s).Msg("invalid --batch-id")
		os.Exit(exitcode.UsageError)
	}
	return id
}

// exitForBatchError maps a batch failure onto a process exit code.
func exitForBatchError(log zerolog.Logger, msg string, err error) {
	kind := batch.KindOf(err)
	log.Error().Err(err).Str("error_kind", string(kind)).Msg(msg)
	switch kind {
	case batch.KindNotFound, batch.KindInvalidRequest:
		os.Exit(exitcode.UsageError)
	case batch.KindCursorConflict:
		os.Exit(exitcode.CursorConflict)
	case batch.KindDiscrepancy:
		os.Exit(exitcode.Discrepancy)
	case batch.KindCatalogMismatch:
		os.Exit(exitcode.ValidationError)
	}
	if errors.Is(err, model.ErrNotFound) {
		os.Exit(exitcode.UsageError)
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(exitcode.PartialSuccess)
	}
	os.Exit(exitcode.ProcessError)
}

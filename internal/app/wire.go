package app

import (
	"context"
	"fmt"

	s3blob "github.com/quantfold/tradebot/internal/blob/s3"
	"github.com/quantfold/tradebot/internal/cache/redis"
	"github.com/quantfold/tradebot/internal/config"
	"github.com/quantfold/tradebot/internal/domain"
	"github.com/quantfold/tradebot/internal/store/memory"
	"github.com/quantfold/tradebot/internal/store/postgres"
)

// Dependencies bundles the infrastructure-level dependencies that the
// application modes need to operate. It is constructed by Wire and torn down
// by the returned cleanup function.
type Dependencies struct {
	PositionStore domain.PositionStore
	PriceCache    domain.PriceCache
	SignalBus     domain.SignalBus
	BlobWriter    domain.BlobWriter
}

// needsPostgres returns true for modes that require durable persistence.
// Paper mode keeps positions in memory so it can run against an empty stack;
// monitor mode places no orders and tracks no positions.
func needsPostgres(mode string) bool {
	return mode == "trade"
}

// needsRedis returns true for modes that publish prices or events off-process.
// Paper mode is fully in-process; its signals stay local.
func needsRedis(mode string) bool {
	return mode == "trade" || mode == "monitor"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Position store ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.PositionStore = postgres.NewPositionStore(pgClient.Pool())
	} else {
		deps.PositionStore = memory.NewPositionStore()
	}

	// --- Redis ---
	if needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage (archiver is optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	return deps, cleanup, nil
}

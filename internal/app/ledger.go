package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/pgstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Ledger bundles the service with the resources it was built on.
type Ledger struct {
	Service *ledger.Service
	Repo    ledger.Repository
	Pool    *pgxpool.Pool
	Redis   *redis.Client

	logger *slog.Logger
}

// BuildLedger wires storage, locking, caching, audit and metrics into a
// ledger service according to cfg.
func BuildLedger(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := &Ledger{logger: logger}

	var audit ledger.AuditPort
	switch cfg.StoreDriver {
	case StoreMemory:
		out.Repo = memstore.New()
		audit = shared.NewSlogAuditor(logger)
		logger.Warn("using in-memory ledger store; data is lost on exit")
	default:
		if cfg.MigrateOnStart {
			if err := db.Migrate(cfg.PGDSN); err != nil {
				return nil, fmt.Errorf("app: migrate: %w", err)
			}
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		out.Pool = pool
		out.Repo = pgstore.New(pool)
		audit = shared.NewAuditLogger(pool)
	}

	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisOptions())
		switch {
		case err == nil:
			out.Redis = client
		case cfg.LockDriver == LockRedis:
			out.Close()
			return nil, fmt.Errorf("app: redis required by LOCK_DRIVER=redis: %w", err)
		default:
			logger.Warn("redis unavailable, point-in-time cache disabled", slog.Any("error", err))
		}
	}

	var locker ledger.Locker = lock.NewLocal()
	if cfg.LockDriver == LockRedis {
		locker = lock.NewRedis(out.Redis, cfg.LockTTL, logger)
	}

	svc := ledger.NewService(out.Repo, locker, logger)
	svc.SetAudit(audit)
	svc.SetMetrics(observability.NewLedgerMetrics(registerer))
	svc.SetTopic(cfg.KafkaTopic)
	if out.Redis != nil {
		svc.SetCache(cache.NewJSON(out.Redis, "ledger", cfg.CacheTTL))
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		out.Close()
		return nil, err
	}
	if cfg.RegimeCutoffs != "" {
		svc.SetRegimeThresholds(thresholds)
	}
	out.Service = svc
	return out, nil
}

// Close releases the pool and the Redis client.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	if l.Redis != nil {
		if err := l.Redis.Close(); err != nil {
			l.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if l.Pool != nil {
		l.Pool.Close()
	}
}

package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/l1jgo/regiongc/internal/config"
	"go.uber.org/zap"
)

const (
	// the flush loop holds one connection per batch; cache misses share the rest
	minFlagConns    = 2
	flagConnIdle    = 5 * time.Minute
	flagHealthCheck = 30 * time.Second
	pingTimeout     = 5 * time.Second
)

// DB is the pgx pool behind the postgres flag backend.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// poolConfig sizes the pool for flag traffic: short point reads from cache
// misses plus one batched upsert at a time.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	maxConns := int32(max(cfg.MaxOpenConns, minFlagConns))
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = min(int32(max(cfg.MaxIdleConns, 0)), maxConns)
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = flagConnIdle
	poolCfg.HealthCheckPeriod = flagHealthCheck
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "regiongc"
	}
	return poolCfg, nil
}

func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to flag db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping flag db %s/%s: %w", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Database, err)
	}

	log.Info("旗標資料庫已連線",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns))
	return &DB{Pool: pool, log: log}, nil
}

// Close waits for in-flight queries and logs what the pool handed out.
func (db *DB) Close() {
	st := db.Pool.Stat()
	db.log.Debug("關閉旗標資料庫",
		zap.Int64("acquires", st.AcquireCount()),
		zap.Duration("acquire_wait", st.AcquireDuration()),
		zap.Int64("empty_acquires", st.EmptyAcquireCount()))
	db.Pool.Close()
}

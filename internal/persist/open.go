package persist

import (
	"context"
	"fmt"

	"github.com/l1jgo/regiongc/internal/config"
	"go.uber.org/zap"
)

// Open returns the flag store selected by flags.backend.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (FlagStore, error) {
	switch cfg.Flags.Backend {
	case "memory":
		log.Warn("旗標使用記憶體儲存，重啟後將遺失")
		return NewMemoryStore(), nil

	case "badger":
		return OpenBadger(cfg.Flags.BadgerDir, log.Named("badger"))

	case "postgres":
		db, err := NewDB(ctx, cfg.Database, log.Named("postgres"))
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(ctx, db.Pool, log.Named("postgres")); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresStore(db), nil

	case "redis":
		return NewRedisStore(ctx, cfg.Redis)

	default:
		return nil, fmt.Errorf("unknown flag backend %q", cfg.Flags.Backend)
	}
}

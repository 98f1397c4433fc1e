package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/l1jgo/regiongc/internal/config"
	"github.com/l1jgo/regiongc/internal/world"
)

// RedisStore keeps one hash per namespace and world, keyed by "x,z".
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) hashKey(ns Namespace, worldID string) string {
	return strings.Join([]string{s.prefix, ns.String(), worldID}, ":")
}

func redisField(c world.ChunkCoord) string {
	return strconv.Itoa(int(c.X)) + "," + strconv.Itoa(int(c.Z))
}

func (s *RedisStore) Get(ctx context.Context, ns Namespace, c world.ChunkCoord) (world.VisitFlag, error) {
	v, err := s.rdb.HGet(ctx, s.hashKey(ns, c.World), redisField(c)).Int64()
	if errors.Is(err, redis.Nil) {
		return world.FlagDefault, ErrNotFound
	}
	if err != nil {
		return world.FlagDefault, fmt.Errorf("redis hget %s %s: %w", ns, c, err)
	}
	return world.VisitFlag(v), nil
}

// PutBatch writes all records in a MULTI/EXEC pipeline.
func (s *RedisStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, r := range recs {
			p.HSet(ctx, s.hashKey(r.NS, r.Chunk.World), redisField(r.Chunk), int64(r.Flag))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

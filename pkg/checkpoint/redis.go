package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix names the hash holding all checkpoints.
	KeyPrefix string
}

// RedisStore keeps checkpoints in one Redis hash so that workers on several
// hosts share them.
type RedisStore struct {
	rdb *goredis.Client
	key string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis checkpoint store requires an address")
	}
	key := opts.KeyPrefix
	if key == "" {
		key = "docgraph:checkpoint"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, key: key}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sourceID string) (*types.IngestionCheckpoint, error) {
	raw, err := s.rdb.HGet(ctx, s.key, sourceID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, types.ErrCheckpointNotFound
		}
		return nil, types.Transient(fmt.Errorf("redis hget: %w", err))
	}
	return decode(raw)
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, cp *types.IngestionCheckpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	b, err := encode(cp)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.key, cp.SourceID, b).Err(); err != nil {
		return types.Transient(fmt.Errorf("redis hset: %w", err))
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]*types.IngestionCheckpoint, error) {
	all, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make([]*types.IngestionCheckpoint, 0, len(all))
	for _, raw := range all {
		cp, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortBySource(out)
	return out, nil
}

// Clear removes every checkpoint under the store's key.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

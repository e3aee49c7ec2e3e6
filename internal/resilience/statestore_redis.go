package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const redisUpdateAttempts = 10

// RedisStateStore keeps circuit snapshots in Redis so every worker process
// shares one view per provider. Updates use WATCH/MULTI on the provider key.
type RedisStateStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore wraps an existing client. ttl bounds how long an idle
// circuit's state survives; zero keeps it forever.
func NewRedisStateStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStateStore {
	if prefix == "" {
		prefix = "circuit"
	}
	return &RedisStateStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// NewRedisClient creates a Redis client and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "resilience: redis ping %s", addr)
	}
	return rdb, nil
}

func (r *RedisStateStore) key(provider string) string {
	return r.prefix + ":" + provider
}

func (r *RedisStateStore) indexKey() string {
	return r.prefix + ":providers"
}

// Load implements StateStore.
func (r *RedisStateStore) Load(ctx context.Context, provider string) (Snapshot, error) {
	return r.get(ctx, r.rdb, provider)
}

func (r *RedisStateStore) get(ctx context.Context, c redis.Cmdable, provider string) (Snapshot, error) {
	data, err := c.Get(ctx, r.key(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{Provider: provider}, nil
	}
	if err != nil {
		return Snapshot{}, eris.Wrapf(err, "resilience: redis get %s", provider)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt entry is treated as closed.
		return Snapshot{Provider: provider}, nil
	}
	s.Provider = provider
	return s, nil
}

// Update implements StateStore.
func (r *RedisStateStore) Update(ctx context.Context, provider string, fn func(s *Snapshot) error) (Snapshot, error) {
	key := r.key(provider)
	var out Snapshot

	txf := func(tx *redis.Tx) error {
		s, err := r.get(ctx, tx, provider)
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		s.Provider = provider
		s.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(s)
		if err != nil {
			return eris.Wrap(err, "resilience: marshal snapshot")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			pipe.SAdd(ctx, r.indexKey(), provider)
			return nil
		})
		if err != nil {
			return err
		}
		out = s
		return nil
	}

	for range redisUpdateAttempts {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Snapshot{}, err
	}
	return Snapshot{}, eris.Errorf("resilience: circuit %s update contended", provider)
}

// List implements StateStore.
func (r *RedisStateStore) List(ctx context.Context) ([]Snapshot, error) {
	providers, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, eris.Wrap(err, "resilience: redis list circuits")
	}
	sort.Strings(providers)
	out := make([]Snapshot, 0, len(providers))
	for _, p := range providers {
		s, err := r.get(ctx, r.rdb, p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

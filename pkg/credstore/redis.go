package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "attendance:cred:"
	maxWatchRetries    = 5
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis shares one session between several processes on the same host or
// across hosts. Writes go through MULTI/EXEC so readers never see half a
// pair.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

// OpenRedis connects to the server described by cfg and verifies it answers.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("credstore: redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credstore: ping redis: %w", err)
	}

	r := NewRedis(client, cfg.Prefix)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of it.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k Key) string { return r.prefix + string(k) }

func (r *Redis) Write(ctx context.Context, set Set) error {
	if err := validateSet(set); err != nil {
		return err
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queue(ctx, pipe, set)
		return nil
	})
	return err
}

// CompareAndWrite watches the expected keys and retries a bounded number of
// times when another client touches them between the check and EXEC.
func (r *Redis) CompareAndWrite(ctx context.Context, expect, set Set) (bool, error) {
	if err := validateSet(expect); err != nil {
		return false, err
	}
	if err := validateSet(set); err != nil {
		return false, err
	}
	if len(expect) == 0 {
		return true, r.Write(ctx, set)
	}

	watched := make([]string, 0, len(expect))
	for k := range expect {
		watched = append(watched, r.key(k))
	}

	var applied bool
	txf := func(tx *redis.Tx) error {
		applied = false
		for k, want := range expect {
			v, err := tx.Get(ctx, r.key(k)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if v != want {
				return nil
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.queue(ctx, pipe, set)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for range maxWatchRetries {
		err := r.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
	return false, fmt.Errorf("credstore: compare and write: %w", redis.TxFailedErr)
}

func (r *Redis) queue(ctx context.Context, pipe redis.Pipeliner, set Set) {
	for k, v := range set {
		if v == "" {
			pipe.Del(ctx, r.key(k))
			continue
		}
		pipe.Set(ctx, r.key(k), v, 0)
	}
}

func (r *Redis) Read(ctx context.Context, key Key) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Clear(ctx context.Context, scope Scope) error {
	keys, err := scope.Keys()
	if err != nil {
		return err
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = r.key(k)
	}
	return r.client.Del(ctx, names...).Err()
}

func (r *Redis) Snapshot(ctx context.Context) (Snapshot, error) {
	names := make([]string, len(AllKeys))
	for i, k := range AllKeys {
		names[i] = r.key(k)
	}

	values, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, err
	}

	snap := Snapshot{}
	for i, v := range values {
		if s, ok := v.(string); ok {
			snap[AllKeys[i]] = s
		}
	}
	return snap, nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisKV is a KV backed by a Redis server. All keys live under a
// namespace prefix so several nodes can share one server.
type RedisKV struct {
	rdb       *redis.Client
	namespace string
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV wraps an existing client. namespace is prepended to every key.
func NewRedisKV(rdb *redis.Client, namespace string) *RedisKV {
	return &RedisKV{rdb: rdb, namespace: namespace}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, password string, db int, namespace string) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "DialRedis",
		"addr":      addr,
		"namespace": namespace,
	}).Info("Connected to redis")
	return NewRedisKV(rdb, namespace), nil
}

func (r *RedisKV) key(k string) string {
	return r.namespace + k
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN rather than KEYS to avoid blocking the
// server on large databases.
func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.namespace):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Close releases the underlying client.
func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

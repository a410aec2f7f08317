// internal/infra/redis/redis_kv_store.go
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"contractor-dispatch/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	KeyPrefix = "dispatch:"
	revSuffix = ":rev"
)

var errStaleVersion = errors.New("stale version")

// Config holds the connection settings for the Redis backend.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type redisKVStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewClient opens a Redis client and pings it.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisKVStore stores each value under prefix+key with a companion revision
// counter at prefix+key+":rev". The counter is the version used for compare-and-set.
func NewRedisKVStore(client *redis.Client, prefix string, logger *slog.Logger) domain.KVStore {
	if prefix == "" {
		prefix = KeyPrefix
	}
	return &redisKVStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis-kv-store"),
		tracer: otel.Tracer("contractor-dispatch-redis-repo"),
	}
}

func (s *redisKVStore) keys(k string) (string, string) {
	data := s.prefix + k
	return data, data + revSuffix
}

// Get reads the value and its revision with a single MGET so the pair is consistent.
func (s *redisKVStore) Get(ctx context.Context, k string) ([]byte, int64, error) {
	ctx, span := s.tracer.Start(ctx, "repo.redis.Get")
	defer span.End()
	dataKey, revKey := s.keys(k)
	span.SetAttributes(attribute.String("redis.key", dataKey))

	vals, err := s.client.MGet(ctx, dataKey, revKey).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read key from redis")
		return nil, 0, fmt.Errorf("failed to get %s from redis: %w", dataKey, err)
	}

	var value []byte
	if raw, ok := vals[0].(string); ok {
		value = []byte(raw)
	}
	version, err := parseRevision(vals[1])
	if err != nil {
		return nil, 0, fmt.Errorf("corrupt revision at %s: %w", revKey, err)
	}
	return value, version, nil
}

func (s *redisKVStore) Set(ctx context.Context, k string, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "repo.redis.Set")
	defer span.End()
	dataKey, revKey := s.keys(k)
	span.SetAttributes(attribute.String("redis.key", dataKey))

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, dataKey, value, 0)
		pipe.Incr(ctx, revKey)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write key to redis")
		return fmt.Errorf("failed to set %s in redis: %w", dataKey, err)
	}
	return nil
}

// CompareAndSet uses WATCH on the revision key and a MULTI block that writes the
// value and bumps the revision together.
func (s *redisKVStore) CompareAndSet(ctx context.Context, k string, version int64, value []byte) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "repo.redis.CompareAndSet")
	defer span.End()
	dataKey, revKey := s.keys(k)
	span.SetAttributes(attribute.String("redis.key", dataKey), attribute.Int64("redis.expected_revision", version))

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, revKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		current, err := parseRevision(raw)
		if err != nil {
			return err
		}
		if current != version {
			return errStaleVersion
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, value, 0)
			pipe.Incr(ctx, revKey)
			return nil
		})
		return err
	}, revKey)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStaleVersion), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("compare-and-set lost", "key", dataKey, "expected_revision", version)
		return false, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis transaction failed")
		return false, fmt.Errorf("failed compare-and-set on %s: %w", dataKey, err)
	}
}

func parseRevision(v any) (int64, error) {
	switch r := v.(type) {
	case nil:
		return 0, nil
	case string:
		if r == "" {
			return 0, nil
		}
		return strconv.ParseInt(r, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected revision type %T", v)
	}
}

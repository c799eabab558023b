package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/redis/go-redis/v9"
)

type redisKV struct {
	client *redis.Client
	prefix string
}

func openRedis(ctx context.Context, cfg config.SnapshotConfig, log *slog.Logger) (KV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("snapshot store ready", slog.String("driver", "redis"), slog.String("addr", cfg.RedisAddr))
	return &redisKV{client: client, prefix: "autovoice:"}, nil
}

func (s *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *redisKV) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisKV) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *redisKV) Close() error {
	return s.client.Close()
}

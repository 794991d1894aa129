package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStorage struct {
	rdb redis.UniversalClient
}

func (s *RedisStorage) Conn() redis.UniversalClient {
	return s.rdb
}

func (s *RedisStorage) Get(ctx context.Context, key string, val any) error {
	cmd := s.rdb.HGetAll(ctx, key)
	if err := cmd.Err(); err != nil {
		return err
	}
	if len(cmd.Val()) == 0 {
		return ErrNotFound
	}
	return cmd.Scan(val)
}

func (s *RedisStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, val)
	if expiresIn > 0 {
		pipe.Expire(ctx, key, expiresIn)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStorage) SetAttr(ctx context.Context, key string, field string, val any) error {
	return s.rdb.HSet(ctx, key, field, val).Err()
}

func (s *RedisStorage) IncrAttr(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

func NewRedisStorage(db redis.UniversalClient) *RedisStorage {
	return &RedisStorage{
		rdb: db,
	}
}

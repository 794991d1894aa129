package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage is a hash-style key/value backend. Values are stored as field maps
// so individual attributes can be updated or incremented without rewriting
// the whole entry.
type Storage interface {
	Get(ctx context.Context, key string, val any) error
	Set(ctx context.Context, key string, val any, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	SetAttr(ctx context.Context, key string, field string, val any) error
	IncrAttr(ctx context.Context, key, field string, delta int64) (int64, error)
}

type Store[T any] interface {
	Storage() Storage
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	SetAttr(ctx context.Context, key string, field string, val any) error
	IncrAttr(ctx context.Context, key string, field string, delta int64) (int64, error)
}

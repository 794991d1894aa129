package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/storage/memory/v2"
)

// reserved field holding the entry deadline; gofiber's memory storage does
// not expose remaining TTLs, so expiry is tracked inside the entry and
// checked lazily on read.
const expiresAtField = "_expires_at"

// MemoryStorage adapts the gofiber in-memory storage to the hash-style
// Storage interface. Intended for development and tests; field updates are
// read-modify-write under a single mutex.
type MemoryStorage struct {
	mu sync.Mutex
	kv *memory.Storage
}

func (s *MemoryStorage) load(key string) (map[string]any, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if deadline, ok := fields[expiresAtField].(float64); ok && time.Now().UnixMilli() >= int64(deadline) {
		s.kv.Delete(key)
		return nil, ErrNotFound
	}
	return fields, nil
}

func (s *MemoryStorage) save(key string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return s.kv.Set(key, raw, 0)
}

func (s *MemoryStorage) Get(ctx context.Context, key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		return err
	}
	delete(fields, expiresAtField)
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, val)
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if expiresIn > 0 {
		fields[expiresAtField] = time.Now().Add(expiresIn).UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(key, fields)
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(key); err != nil {
		return err
	}
	return s.kv.Delete(key)
}

func (s *MemoryStorage) SetAttr(ctx context.Context, key string, field string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		if err == ErrNotFound {
			fields = map[string]any{}
		} else {
			return err
		}
	}
	fields[field] = val
	return s.save(key, fields)
}

func (s *MemoryStorage) IncrAttr(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, err := s.load(key)
	if err != nil {
		if err == ErrNotFound {
			fields = map[string]any{}
		} else {
			return 0, err
		}
	}
	var current int64
	switch v := fields[field].(type) {
	case float64:
		current = int64(v)
	case int64:
		current = v
	}
	current += delta
	fields[field] = current
	return current, s.save(key, fields)
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		kv: memory.New(),
	}
}

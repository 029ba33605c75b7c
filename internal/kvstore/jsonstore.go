package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quailyquaily/pairlink/internal/jsonutil"
)

const recordVersion = 1

type record[T any] struct {
	Version int `json:"version"`
	Value   T   `json:"value"`
}

// ChangeFunc observes mutations on a JSONStore. deleted is true when the key
// was removed; value is the zero value in that case.
type ChangeFunc[T any] func(key string, value T, deleted bool)

// JSONStore is a typed view over a Store. All mutation goes through one
// mutex, and observers registered before a mutation see it exactly once.
type JSONStore[T any] struct {
	backend Store

	mu        sync.Mutex
	observers []ChangeFunc[T]
}

func NewJSONStore[T any](backend Store) (*JSONStore[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("kvstore: nil backend")
	}
	return &JSONStore[T]{backend: backend}, nil
}

func (s *JSONStore[T]) OnChange(fn ChangeFunc[T]) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *JSONStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var rec record[T]
	if err := jsonutil.DecodeStrict(raw, &rec); err != nil {
		return zero, false, fmt.Errorf("kvstore: decode record %s: %w", key, err)
	}
	if rec.Version != recordVersion {
		return zero, false, fmt.Errorf("kvstore: record %s has unsupported version %d", key, rec.Version)
	}
	return rec.Value, true, nil
}

func (s *JSONStore[T]) Set(ctx context.Context, key string, value T) error {
	raw, err := json.Marshal(record[T]{Version: recordVersion, Value: value})
	if err != nil {
		return fmt.Errorf("kvstore: encode record %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Set(ctx, key, raw); err != nil {
		return err
	}
	for _, fn := range s.observers {
		fn(key, value, false)
	}
	return nil
}

func (s *JSONStore[T]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	var zero T
	for _, fn := range s.observers {
		fn(key, zero, true)
	}
	return nil
}

func (s *JSONStore[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.Keys(ctx, prefix)
}

// All returns every stored value keyed by its store key.
func (s *JSONStore[T]) All(ctx context.Context) (map[string]T, error) {
	keys, err := s.backend.Keys(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

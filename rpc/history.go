package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/quailyquaily/pairlink/internal/kvstore"
)

var (
	ErrDuplicateRequest  = errors.New("rpc: duplicate request id")
	ErrRequestNotFound   = errors.New("rpc: request not found")
	ErrDuplicateResponse = errors.New("rpc: response already recorded")
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Record is one correlation ledger entry: a request and, once resolved, its
// response.
type Record struct {
	ID         int64     `json:"id"`
	Topic      string    `json:"topic"`
	Origin     Origin    `json:"origin"`
	Request    Request   `json:"request"`
	Response   *Response `json:"response,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// History is the append-only per-id ledger. Its dedup invariant is the
// single source of truth for idempotent delivery; engines layered on it must
// not keep their own.
type History struct {
	// mu spans the exists check and the write; the relay delivers each
	// inbound frame on its own goroutine.
	mu    sync.Mutex
	store *kvstore.JSONStore[Record]
}

func NewHistory(backend kvstore.Store) (*History, error) {
	store, err := kvstore.NewJSONStore[Record](kvstore.Namespaced(backend, "history/"))
	if err != nil {
		return nil, fmt.Errorf("rpc: history store: %w", err)
	}
	return &History{store: store}, nil
}

// Set records an outbound or first-observed inbound request. A second call
// with the same id fails with ErrDuplicateRequest.
func (h *History) Set(ctx context.Context, req Request, topic string, origin Origin) error {
	if err := req.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := recordKey(req.ID)
	if _, exists, err := h.store.Get(ctx, key); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %d", ErrDuplicateRequest, req.ID)
	}
	record := Record{
		ID:         req.ID,
		Topic:      topic,
		Origin:     origin,
		Request:    req,
		RecordedAt: time.Now().UTC(),
	}
	return h.store.Set(ctx, key, record)
}

// Resolve attaches a response to its request record, exactly once.
func (h *History) Resolve(ctx context.Context, resp Response) (Record, error) {
	if err := resp.Validate(); err != nil {
		return Record{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := recordKey(resp.ID)
	record, exists, err := h.store.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !exists {
		return Record{}, fmt.Errorf("%w: %d", ErrRequestNotFound, resp.ID)
	}
	if record.Response != nil {
		return Record{}, fmt.Errorf("%w: %d", ErrDuplicateResponse, resp.ID)
	}
	record.Response = &resp
	if err := h.store.Set(ctx, key, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (h *History) Get(ctx context.Context, id int64) (Record, bool, error) {
	return h.store.Get(ctx, recordKey(id))
}

// Pending lists records with no response yet, used to recover outstanding
// requests after a restart.
func (h *History) Pending(ctx context.Context) ([]Record, error) {
	all, err := h.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, record := range all {
		if record.Response == nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// DeleteAll purges every record for a topic, called on topic teardown.
func (h *History) DeleteAll(ctx context.Context, topic string) error {
	all, err := h.store.All(ctx)
	if err != nil {
		return err
	}
	for key, record := range all {
		if record.Topic != topic {
			continue
		}
		if err := h.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func recordKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

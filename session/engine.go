package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/quailyquaily/pairlink/internal/kvstore"
	"github.com/quailyquaily/pairlink/keys"
	"github.com/quailyquaily/pairlink/pairing"
	"github.com/quailyquaily/pairlink/relay"
	"github.com/quailyquaily/pairlink/rpc"
)

type Options struct {
	Relay    *relay.Client
	Keys     *keys.Store
	Store    kvstore.Store
	History  *rpc.History
	Pairings *pairing.Engine
	Metadata pairing.Metadata

	// LinkOpener enables link-mode dispatch; nil keeps every session on the
	// relay transport.
	LinkOpener LinkOpener

	Logger        *slog.Logger
	SweepInterval time.Duration
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Relay == nil {
		return opts, fmt.Errorf("session: relay client is required")
	}
	if opts.Keys == nil {
		return opts, fmt.Errorf("session: key store is required")
	}
	if opts.Store == nil {
		return opts, fmt.Errorf("session: store is required")
	}
	if opts.History == nil {
		return opts, fmt.Errorf("session: history is required")
	}
	if opts.Pairings == nil {
		return opts, fmt.Errorf("session: pairing engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return opts, nil
}

// Engine drives the session protocol. Inbound relay frames are decrypted,
// deduplicated through the history ledger, and routed to per-method handlers;
// outbound frames go through the transport dispatcher.
type Engine struct {
	opts Options

	sessions  *kvstore.JSONStore[Session]
	proposals *kvstore.JSONStore[Proposal]
	requests  *kvstore.JSONStore[PendingRequest]

	events *events
}

func NewEngine(opts Options) (*Engine, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	sessions, err := kvstore.NewJSONStore[Session](kvstore.Namespaced(opts.Store, "session/"))
	if err != nil {
		return nil, fmt.Errorf("session: session store: %w", err)
	}
	proposals, err := kvstore.NewJSONStore[Proposal](kvstore.Namespaced(opts.Store, "proposal/"))
	if err != nil {
		return nil, fmt.Errorf("session: proposal store: %w", err)
	}
	requests, err := kvstore.NewJSONStore[PendingRequest](kvstore.Namespaced(opts.Store, "request/"))
	if err != nil {
		return nil, fmt.Errorf("session: request store: %w", err)
	}

	e := &Engine{
		opts:      opts,
		sessions:  sessions,
		proposals: proposals,
		requests:  requests,
		events:    newEvents(),
	}
	opts.Relay.OnMessage(func(topic, message string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.handleSealedMessage(ctx, topic, message)
	})
	return e, nil
}

// Events exposes observer registration.
func (e *Engine) Events() *Events { return &Events{inner: e.events} }

func (e *Engine) Get(ctx context.Context, topic string) (Session, bool, error) {
	return e.sessions.Get(ctx, topic)
}

func (e *Engine) List(ctx context.Context) ([]Session, error) {
	all, err := e.sessions.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(all))
	for _, s := range all {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (e *Engine) Proposals(ctx context.Context) ([]Proposal, error) {
	all, err := e.proposals.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(all))
	for _, p := range all {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	all, err := e.requests.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PendingRequest, 0, len(all))
	for _, r := range all {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// liveSession loads a session and rejects expired ones.
func (e *Engine) liveSession(ctx context.Context, topic string) (Session, error) {
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, topic)
	}
	if s.Expired(time.Now()) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExpired, topic)
	}
	return s, nil
}

// sendRequest records, seals, and dispatches an outbound request on a topic.
func (e *Engine) sendRequest(ctx context.Context, s *Session, topic string, method string, params any, tag int, ttl time.Duration) (rpc.Request, error) {
	req, err := rpc.NewRequest(method, params)
	if err != nil {
		return rpc.Request{}, err
	}
	if err := e.opts.History.Set(ctx, req, topic, rpc.OriginLocal); err != nil {
		return rpc.Request{}, err
	}
	sealed, err := e.seal(ctx, topic, req)
	if err != nil {
		return rpc.Request{}, err
	}
	return req, e.dispatch(ctx, s, topic, sealed, relay.PublishOptions{TTL: ttl, Tag: tag})
}

// sendResult seals and dispatches a success response.
func (e *Engine) sendResult(ctx context.Context, s *Session, topic string, id int64, result any, tag int, ttl time.Duration) error {
	resp, err := rpc.NewResult(id, result)
	if err != nil {
		return err
	}
	return e.sendResponse(ctx, s, topic, resp, tag, ttl)
}

// sendError seals and dispatches an error response with a stable reason code.
func (e *Engine) sendError(ctx context.Context, s *Session, topic string, id int64, code int, message string, tag int, ttl time.Duration) error {
	resp := rpc.NewError(id, code, message)
	return e.sendResponse(ctx, s, topic, resp, tag, ttl)
}

func (e *Engine) sendResponse(ctx context.Context, s *Session, topic string, resp rpc.Response, tag int, ttl time.Duration) error {
	if _, err := e.opts.History.Resolve(ctx, resp); err != nil && !errors.Is(err, rpc.ErrRequestNotFound) {
		return err
	}
	sealed, err := e.seal(ctx, topic, resp)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, s, topic, sealed, relay.PublishOptions{TTL: ttl, Tag: tag})
}

func (e *Engine) seal(ctx context.Context, topic string, payload any) (string, error) {
	sym, ok, err := e.opts.Keys.SymKey(ctx, topic)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("session: no key for topic %s", topic)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("session: marshal payload: %w", err)
	}
	return keys.Seal(sym, raw)
}

// teardown releases all state bound to a session topic.
func (e *Engine) teardown(ctx context.Context, topic string) error {
	if err := e.sessions.Delete(ctx, topic); err != nil {
		return err
	}
	if err := e.opts.Keys.DeleteAll(ctx, topic); err != nil {
		return err
	}
	if err := e.dropPendingRequests(ctx, topic); err != nil {
		return err
	}
	if err := e.opts.Relay.Unsubscribe(ctx, topic); err != nil && !errors.Is(err, relay.ErrSubscriptionIDNotFound) {
		e.opts.Logger.Warn("session unsubscribe failed", "topic", topic, "err", err)
	}
	return nil
}

func (e *Engine) dropPendingRequests(ctx context.Context, topic string) error {
	all, err := e.requests.All(ctx)
	if err != nil {
		return err
	}
	for key, pending := range all {
		if pending.Topic != topic {
			continue
		}
		if err := e.requests.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func requestKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/pairlink/internal/kvstore"
	"github.com/quailyquaily/pairlink/keys"
	"github.com/quailyquaily/pairlink/relay"
	"github.com/quailyquaily/pairlink/rpc"
)

const (
	methodPing   = "wc_pairingPing"
	methodDelete = "wc_pairingDelete"

	tagPairingDelete         = 1000
	tagPairingDeleteResponse = 1001
	tagPairingPing           = 1002
	tagPairingPingResponse   = 1003

	reasonUserDisconnected = 6000
)

var (
	ErrPairingAlreadyExists = errors.New("pairing: pairing already exists")
	ErrPairingNotFound      = errors.New("pairing: pairing not found")
)

// deleteParams is the payload of a wc_pairingDelete request.
type deleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type (
	DeletedFunc func(topic string)
	ExpiredFunc func(topic string)
)

type Options struct {
	Relay   *relay.Client
	Keys    *keys.Store
	Store   kvstore.Store
	History *rpc.History
	Logger  *slog.Logger
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Relay == nil {
		return opts, fmt.Errorf("pairing: relay client is required")
	}
	if opts.Keys == nil {
		return opts, fmt.Errorf("pairing: key store is required")
	}
	if opts.Store == nil {
		return opts, fmt.Errorf("pairing: pairing store is required")
	}
	if opts.History == nil {
		return opts, fmt.Errorf("pairing: history is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts, nil
}

// Engine tracks pairings end to end: URI mint and redeem, activation when a
// session settles over the pairing, ping, teardown, and expiry eviction.
type Engine struct {
	opts  Options
	store *kvstore.JSONStore[Pairing]

	deletedFns []DeletedFunc
	expiredFns []ExpiredFunc
}

func NewEngine(opts Options) (*Engine, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	store, err := kvstore.NewJSONStore[Pairing](kvstore.Namespaced(opts.Store, "pairing/"))
	if err != nil {
		return nil, fmt.Errorf("pairing: pairing store: %w", err)
	}
	return &Engine{opts: opts, store: store}, nil
}

// OnDeleted registers an observer for peer-initiated pairing deletions.
func (e *Engine) OnDeleted(fn DeletedFunc) {
	if fn != nil {
		e.deletedFns = append(e.deletedFns, fn)
	}
}

// OnExpired registers an observer for sweep evictions.
func (e *Engine) OnExpired(fn ExpiredFunc) {
	if fn != nil {
		e.expiredFns = append(e.expiredFns, fn)
	}
}

// Create mints a fresh pairing: random symmetric key, topic derived from it,
// relay subscription, and the out-of-band URI the peer redeems. The pairing
// starts unactivated with a short expiry.
func (e *Engine) Create(ctx context.Context, methods []string) (Pairing, URI, error) {
	sym, err := keys.GenerateSymKey()
	if err != nil {
		return Pairing{}, URI{}, err
	}
	topic := keys.TopicFromKey(sym)

	if err := e.opts.Keys.SetSymKey(ctx, topic, sym); err != nil {
		return Pairing{}, URI{}, err
	}

	pairing := Pairing{
		Topic:   topic,
		Relay:   RelayOptions{Protocol: relay.PrefixIrn},
		Expiry:  time.Now().UTC().Add(InactiveTTL),
		Methods: methods,
	}
	if err := e.store.Set(ctx, topic, pairing); err != nil {
		return Pairing{}, URI{}, err
	}
	if _, err := e.opts.Relay.Subscribe(ctx, topic); err != nil {
		return Pairing{}, URI{}, err
	}

	uri := URI{
		Topic:   topic,
		Version: URIVersion,
		SymKey:  sym,
		Relay:   pairing.Relay,
		Methods: methods,
	}
	e.opts.Logger.Info("pairing created", "topic", topic)
	return pairing, uri, nil
}

// Pair redeems a wc: URI on the receiving side. The redeemed pairing is
// active immediately; only the creator waits for a settlement. Redeeming the
// same URI twice fails with ErrPairingAlreadyExists.
func (e *Engine) Pair(ctx context.Context, raw string) (Pairing, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return Pairing{}, err
	}
	if _, exists, err := e.store.Get(ctx, uri.Topic); err != nil {
		return Pairing{}, err
	} else if exists {
		return Pairing{}, fmt.Errorf("%w: %s", ErrPairingAlreadyExists, uri.Topic)
	}

	if err := e.opts.Keys.SetSymKey(ctx, uri.Topic, uri.SymKey); err != nil {
		return Pairing{}, err
	}
	pairing := Pairing{
		Topic:   uri.Topic,
		Relay:   uri.Relay,
		Expiry:  time.Now().UTC().Add(ActiveTTL),
		Active:  true,
		Methods: uri.Methods,
	}
	if err := e.store.Set(ctx, uri.Topic, pairing); err != nil {
		return Pairing{}, err
	}
	if _, err := e.opts.Relay.Subscribe(ctx, uri.Topic); err != nil {
		return Pairing{}, err
	}
	e.opts.Logger.Info("paired", "topic", uri.Topic)
	return pairing, nil
}

// Activate marks the pairing as carrying a settled session and extends its
// expiry to the long horizon.
func (e *Engine) Activate(ctx context.Context, topic string) error {
	pairing, exists, err := e.store.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	pairing.Active = true
	pairing.Expiry = time.Now().UTC().Add(ActiveTTL)
	return e.store.Set(ctx, topic, pairing)
}

// UpdatePeerMetadata records the peer identity learned during settlement.
func (e *Engine) UpdatePeerMetadata(ctx context.Context, topic string, md Metadata) error {
	pairing, exists, err := e.store.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	pairing.PeerMetadata = &md
	return e.store.Set(ctx, topic, pairing)
}

// Ping probes the pairing channel. An unknown topic is logged and swallowed
// so callers can ping speculatively.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	_, exists, err := e.store.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		e.opts.Logger.Warn("ping on unknown pairing", "topic", topic)
		return nil
	}
	_, err = e.publishRequest(ctx, topic, methodPing, struct{}{}, relay.PublishOptions{
		TTL: 30 * time.Second,
		Tag: tagPairingPing,
	})
	return err
}

// Disconnect tells the peer the pairing is gone and tears down local state.
func (e *Engine) Disconnect(ctx context.Context, topic string) error {
	_, exists, err := e.store.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	if _, err := e.publishRequest(ctx, topic, methodDelete, deleteParams{
		Code:    reasonUserDisconnected,
		Message: "user disconnected",
	}, relay.PublishOptions{TTL: 24 * time.Hour, Tag: tagPairingDelete}); err != nil {
		e.opts.Logger.Warn("pairing delete publish failed", "topic", topic, "err", err)
	}
	return e.teardown(ctx, topic)
}

func (e *Engine) Get(ctx context.Context, topic string) (Pairing, bool, error) {
	return e.store.Get(ctx, topic)
}

func (e *Engine) List(ctx context.Context) ([]Pairing, error) {
	all, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Pairing, 0, len(all))
	for _, pairing := range all {
		out = append(out, pairing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// EvictExpired removes pairings past their expiry and returns their topics.
// Observers registered via OnExpired see each eviction.
func (e *Engine) EvictExpired(ctx context.Context, now time.Time) ([]string, error) {
	all, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}
	var evicted []string
	for topic, pairing := range all {
		if !pairing.Expired(now) {
			continue
		}
		if err := e.teardown(ctx, topic); err != nil {
			e.opts.Logger.Warn("pairing eviction failed", "topic", topic, "err", err)
			continue
		}
		evicted = append(evicted, topic)
		for _, fn := range e.expiredFns {
			fn(topic)
		}
	}
	sort.Strings(evicted)
	return evicted, nil
}

// HandleRequest processes an already-decrypted inbound request on a pairing
// topic. It reports whether the method belongs to the pairing protocol.
func (e *Engine) HandleRequest(ctx context.Context, topic string, req rpc.Request) (bool, error) {
	switch req.Method {
	case methodPing:
		err := e.publishResponse(ctx, topic, req.ID, true, relay.PublishOptions{
			TTL: 30 * time.Second,
			Tag: tagPairingPingResponse,
		})
		return true, err
	case methodDelete:
		var params deleteParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return true, fmt.Errorf("pairing: malformed delete params: %w", err)
		}
		e.opts.Logger.Info("pairing deleted by peer", "topic", topic, "code", params.Code)
		if err := e.publishResponse(ctx, topic, req.ID, true, relay.PublishOptions{
			TTL: 24 * time.Hour,
			Tag: tagPairingDeleteResponse,
		}); err != nil {
			e.opts.Logger.Warn("pairing delete ack failed", "topic", topic, "err", err)
		}
		if err := e.teardown(ctx, topic); err != nil {
			return true, err
		}
		for _, fn := range e.deletedFns {
			fn(topic)
		}
		return true, nil
	default:
		return false, nil
	}
}

func (e *Engine) teardown(ctx context.Context, topic string) error {
	if err := e.store.Delete(ctx, topic); err != nil {
		return err
	}
	if err := e.opts.Keys.DeleteAll(ctx, topic); err != nil {
		return err
	}
	if err := e.opts.Relay.Unsubscribe(ctx, topic); err != nil && !errors.Is(err, relay.ErrSubscriptionIDNotFound) {
		e.opts.Logger.Warn("pairing unsubscribe failed", "topic", topic, "err", err)
	}
	return nil
}

// publishRequest records the request in the history ledger, seals it with the
// pairing key, and hands it to the relay.
func (e *Engine) publishRequest(ctx context.Context, topic string, method string, params any, opts relay.PublishOptions) (rpc.Request, error) {
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
	return req, e.opts.Relay.Publish(ctx, topic, sealed, opts)
}

func (e *Engine) publishResponse(ctx context.Context, topic string, id int64, result any, opts relay.PublishOptions) error {
	resp, err := rpc.NewResult(id, result)
	if err != nil {
		return err
	}
	if _, err := e.opts.History.Resolve(ctx, resp); err != nil && !errors.Is(err, rpc.ErrRequestNotFound) {
		return err
	}
	sealed, err := e.seal(ctx, topic, resp)
	if err != nil {
		return err
	}
	return e.opts.Relay.Publish(ctx, topic, sealed, opts)
}

func (e *Engine) seal(ctx context.Context, topic string, payload any) (string, error) {
	sym, ok, err := e.opts.Keys.SymKey(ctx, topic)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("pairing: no key for topic %s", strings.TrimSpace(topic))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal payload: %w", err)
	}
	return keys.Seal(sym, raw)
}

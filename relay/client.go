// Package relay implements the topic-addressed publish/subscribe client the
// pairing and session engines ride on: one persistent socket, JSON-RPC
// request/acknowledgement correlation, subscription bookkeeping that
// survives reconnects, and a deliberately lazy reconnection policy.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/pairlink/internal/kvstore"
	"github.com/quailyquaily/pairlink/rpc"
)

const (
	DefaultAckTimeout     = 15 * time.Second
	DefaultReconnectDelay = 2 * time.Second

	trackerPrefix = "topic/"
)

var (
	ErrNotConnected           = errors.New("relay: not connected")
	ErrSubscriptionTimeout    = errors.New("relay: subscription acknowledgement timed out")
	ErrSubscriptionIDNotFound = errors.New("relay: no subscription for topic")
	ErrClosed                 = errors.New("relay: client closed")
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type (
	StatusFunc  func(status Status)
	MessageFunc func(topic string, message string)
)

// PublishOptions carry the relay-side delivery hints for one publish.
type PublishOptions struct {
	TTL    time.Duration
	Tag    int
	Prompt bool
}

type Options struct {
	URL            string
	MethodPrefix   string
	Dialer         Dialer
	Tracker        kvstore.Store
	History        *rpc.History
	Logger         *slog.Logger
	AckTimeout     time.Duration
	ReconnectDelay time.Duration
}

type pendingResult struct {
	ack            bool
	subscriptionID string
	err            error
}

// Client is the relay client. All mutable state is guarded by one mutex;
// in-flight request correlation is a one-shot channel per request id,
// registered before the outbound frame is written so a fast response can
// never race its waiter.
type Client struct {
	opts Options

	mu            sync.Mutex
	conn          Conn
	closed        bool
	subscriptions map[string]string
	pending       map[int64]chan pendingResult
	statusFns     []StatusFunc
	messageFns    []MessageFunc

	writeMu sync.Mutex
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("relay: url is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebSocketDialer{}
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("relay: subscription tracker store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	opts.MethodPrefix = normalizePrefix(opts.MethodPrefix)

	c := &Client{
		opts:          opts,
		subscriptions: map[string]string{},
		pending:       map[int64]chan pendingResult{},
	}
	if err := c.loadTrackedTopics(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadTrackedTopics restores subscription bookkeeping persisted by an
// earlier process so the first connect resubscribes them.
func (c *Client) loadTrackedTopics() error {
	ctx := context.Background()
	keys, err := c.opts.Tracker.Keys(ctx, trackerPrefix)
	if err != nil {
		return fmt.Errorf("relay: load subscription tracker: %w", err)
	}
	for _, key := range keys {
		topic := strings.TrimPrefix(key, trackerPrefix)
		raw, ok, err := c.opts.Tracker.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("relay: load subscription tracker: %w", err)
		}
		if !ok {
			continue
		}
		c.subscriptions[topic] = string(raw)
	}
	return nil
}

// OnStatus registers a socket-status observer, notified on every transition.
func (c *Client) OnStatus(fn StatusFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

// OnMessage registers a subscription-push observer.
func (c *Client) OnMessage(fn MessageFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageFns = append(c.messageFns, fn)
}

// Connect dials the relay and resubscribes every tracked topic. Bookkeeping
// is never cleared across connects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.conn = conn
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	go c.readLoop(conn)
	c.notifyStatus(StatusConnected)

	for _, topic := range topics {
		if _, err := c.subscribeOverWire(ctx, topic); err != nil {
			c.opts.Logger.Warn("relay resubscribe failed", "topic", topic, "err", err)
		}
	}
	return nil
}

// Disconnect closes the socket. Subscription bookkeeping is retained so a
// later connect restores it.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.notifyStatus(StatusDisconnected)
	return err
}

// Close permanently shuts the client down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		ch <- pendingResult{err: ErrClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ReconnectIfNeeded reconnects only when there is something to resubscribe.
// An idle client (zero tracked topics) stays down; that is a resource-saving
// policy, not an oversight.
func (c *Client) ReconnectIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || len(c.subscriptions) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Subscribe registers interest in a topic. When connected it blocks until
// the relay acknowledges with a subscription id; when disconnected the topic
// is tracked and subscribed on the next connect.
func (c *Client) Subscribe(ctx context.Context, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("relay: topic is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	connected := c.conn != nil
	if !connected {
		c.subscriptions[topic] = ""
	}
	c.mu.Unlock()

	if !connected {
		if err := c.trackTopic(ctx, topic, ""); err != nil {
			return "", err
		}
		return "", nil
	}
	return c.subscribeOverWire(ctx, topic)
}

func (c *Client) subscribeOverWire(ctx context.Context, topic string) (string, error) {
	req, err := rpc.NewRequest(c.method("subscribe"), subscribeParams{Topic: topic})
	if err != nil {
		return "", err
	}
	result, err := c.sendAndWait(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: topic %s", ErrSubscriptionTimeout, topic)
		}
		return "", err
	}
	if result.subscriptionID == "" {
		return "", fmt.Errorf("relay: subscribe ack carried no subscription id")
	}

	c.mu.Lock()
	c.subscriptions[topic] = result.subscriptionID
	c.mu.Unlock()
	if err := c.trackTopic(ctx, topic, result.subscriptionID); err != nil {
		return "", err
	}
	return result.subscriptionID, nil
}

// Unsubscribe drops the topic and purges its JSON-RPC history.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)

	c.mu.Lock()
	subscriptionID, tracked := c.subscriptions[topic]
	if !tracked {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionIDNotFound, topic)
	}
	delete(c.subscriptions, topic)
	connected := c.conn != nil
	c.mu.Unlock()

	if err := c.opts.Tracker.Delete(ctx, trackerPrefix+topic); err != nil {
		return err
	}
	if c.opts.History != nil {
		if err := c.opts.History.DeleteAll(ctx, topic); err != nil {
			c.opts.Logger.Warn("relay purge history failed", "topic", topic, "err", err)
		}
	}

	if connected && subscriptionID != "" {
		req, err := rpc.NewRequest(c.method("unsubscribe"), unsubscribeParams{ID: subscriptionID, Topic: topic})
		if err != nil {
			return err
		}
		if _, err := c.sendAndWait(ctx, req); err != nil {
			c.opts.Logger.Warn("relay unsubscribe ack failed", "topic", topic, "err", err)
		}
	}
	return nil
}

// Publish hands the frame to the socket and returns; delivery is not
// acknowledged.
func (c *Client) Publish(ctx context.Context, topic string, message string, opts PublishOptions) error {
	req, err := c.publishRequest(topic, message, opts)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("relay: marshal publish: %w", err)
	}
	return c.write(raw)
}

// PublishWithAck blocks until the relay concedes receipt.
func (c *Client) PublishWithAck(ctx context.Context, topic string, message string, opts PublishOptions) error {
	req, err := c.publishRequest(topic, message, opts)
	if err != nil {
		return err
	}
	result, err := c.sendAndWait(ctx, req)
	if err != nil {
		return err
	}
	if !result.ack {
		return fmt.Errorf("relay: publish not acknowledged")
	}
	return nil
}

func (c *Client) publishRequest(topic string, message string, opts PublishOptions) (rpc.Request, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return rpc.Request{}, fmt.Errorf("relay: topic is required")
	}
	ttl := int64(opts.TTL / time.Second)
	if ttl <= 0 {
		ttl = 300
	}
	return rpc.NewRequest(c.method("publish"), publishParams{
		Topic:   topic,
		Message: message,
		TTL:     ttl,
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	})
}

// Subscriptions returns the tracked topic -> subscription id map.
func (c *Client) Subscriptions() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.subscriptions))
	for topic, id := range c.subscriptions {
		out[topic] = id
	}
	return out
}

func (c *Client) trackTopic(ctx context.Context, topic string, subscriptionID string) error {
	if err := c.opts.Tracker.Set(ctx, trackerPrefix+topic, []byte(subscriptionID)); err != nil {
		return fmt.Errorf("relay: persist subscription tracker: %w", err)
	}
	return nil
}

// sendAndWait registers the correlation waiter, then writes the frame, then
// blocks for the matching inbound result.
func (c *Client) sendAndWait(ctx context.Context, req rpc.Request) (pendingResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return pendingResult{}, fmt.Errorf("relay: marshal request: %w", err)
	}

	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pendingResult{}, ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	if err := c.write(raw); err != nil {
		unregister()
		return pendingResult{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	select {
	case <-waitCtx.Done():
		unregister()
		return pendingResult{}, waitCtx.Err()
	case result := <-ch:
		if result.err != nil {
			return pendingResult{}, result.err
		}
		return result, nil
	}
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadFailure(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleReadFailure(conn Conn, readErr error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection replaced this one; nothing to clean up.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	hasSubscriptions := len(c.subscriptions) > 0
	for id, ch := range c.pending {
		ch <- pendingResult{err: fmt.Errorf("relay: connection lost: %w", readErr)}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	_ = conn.Close()
	c.notifyStatus(StatusDisconnected)
	if closed {
		return
	}
	if !hasSubscriptions {
		c.opts.Logger.Debug("relay idle after disconnect, not reconnecting")
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		stop := c.closed || c.conn != nil || len(c.subscriptions) == 0
		c.mu.Unlock()
		if stop {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.opts.Logger.Warn("relay reconnect failed", "err", err)
		time.Sleep(c.opts.ReconnectDelay)
	}
}

// dispatch routes one inbound frame: a subscription push, a correlated
// result, or a correlated error.
func (c *Client) dispatch(data []byte) {
	if rpc.IsResponse(data) {
		resp, err := rpc.DecodeResponse(data)
		if err != nil {
			c.opts.Logger.Warn("relay dropped malformed response", "err", err)
			return
		}
		c.completePending(resp)
		return
	}

	req, err := rpc.DecodeRequest(data)
	if err != nil {
		c.opts.Logger.Warn("relay dropped malformed frame", "err", err)
		return
	}
	if req.Method != c.method("subscription") {
		c.opts.Logger.Warn("relay dropped unexpected method", "method", req.Method)
		return
	}

	var params subscriptionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.opts.Logger.Warn("relay dropped malformed subscription push", "err", err)
		return
	}

	// Acknowledge the push before handing it off, keyed by the push's own id.
	ack, err := rpc.NewResult(req.ID, true)
	if err == nil {
		if raw, err := json.Marshal(ack); err == nil {
			if err := c.write(raw); err != nil {
				c.opts.Logger.Warn("relay push ack failed", "err", err)
			}
		}
	}

	c.mu.Lock()
	fns := append([]MessageFunc(nil), c.messageFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		go fn(params.Data.Topic, params.Data.Message)
	}
}

// completePending resolves the one-shot waiter for a correlated response.
// A boolean result is a publish/subscribe ack, a string result is a
// subscription id, and an error response is logged and completes the waiter
// without being re-raised beyond it.
func (c *Client) completePending(resp rpc.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.opts.Logger.Debug("relay response with no waiter", "id", resp.ID)
		return
	}

	if resp.Error != nil {
		c.opts.Logger.Warn("relay error response", "id", resp.ID, "code", resp.Error.Code, "message", resp.Error.Message)
		ch <- pendingResult{err: fmt.Errorf("relay: error %d: %s", resp.Error.Code, resp.Error.Message)}
		return
	}

	var asBool bool
	if err := json.Unmarshal(resp.Result, &asBool); err == nil {
		ch <- pendingResult{ack: asBool}
		return
	}
	var asString string
	if err := json.Unmarshal(resp.Result, &asString); err == nil {
		ch <- pendingResult{ack: true, subscriptionID: asString}
		return
	}
	ch <- pendingResult{err: fmt.Errorf("relay: unrecognized result shape")}
}

func (c *Client) notifyStatus(status Status) {
	c.mu.Lock()
	fns := append([]StatusFunc(nil), c.statusFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

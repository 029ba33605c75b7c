package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/pairlink/caip"
	"github.com/quailyquaily/pairlink/internal/kvstore"
	"github.com/quailyquaily/pairlink/keys"
	"github.com/quailyquaily/pairlink/namespaces"
	"github.com/quailyquaily/pairlink/pairing"
	"github.com/quailyquaily/pairlink/relay"
	"github.com/quailyquaily/pairlink/rpc"
)

// hub is an in-memory relay with mailbox semantics: published messages are
// buffered per topic and replayed to late subscribers, the way the real
// relay holds frames until their TTL runs out.
type hub struct {
	mu      sync.Mutex
	subs    map[string]map[*hubConn]bool
	mailbox map[string][]string
}

func newHub() *hub {
	return &hub{subs: map[string]map[*hubConn]bool{}, mailbox: map[string][]string{}}
}

type hubConn struct {
	hub    *hub
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (h *hub) dial() *hubConn {
	return &hubConn{hub: h, in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *hubConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("hub conn closed")
	}
}

func (c *hubConn) WriteMessage(data []byte) error {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		// Push acknowledgements land here; the hub does not track them.
		return nil
	}
	switch req.Method {
	case "irn_subscribe":
		var params struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(req.Params, &params)
		c.hub.subscribe(c, params.Topic)
		c.reply(req.ID, "sub-"+params.Topic[:8])
	case "irn_publish":
		var params struct {
			Topic   string `json:"topic"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(req.Params, &params)
		c.reply(req.ID, true)
		c.hub.publish(c, params.Topic, params.Message)
	case "irn_unsubscribe":
		var params struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(req.Params, &params)
		c.hub.unsubscribe(c, params.Topic)
		c.reply(req.ID, true)
	}
	return nil
}

func (c *hubConn) reply(id int64, result any) {
	resp, _ := rpc.NewResult(id, result)
	raw, _ := json.Marshal(resp)
	c.deliver(raw)
}

func (c *hubConn) deliver(raw []byte) {
	select {
	case c.in <- raw:
	case <-c.closed:
	}
}

func (c *hubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (h *hub) subscribe(conn *hubConn, topic string) {
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[*hubConn]bool{}
	}
	first := !h.subs[topic][conn]
	h.subs[topic][conn] = true
	buffered := append([]string(nil), h.mailbox[topic]...)
	h.mu.Unlock()
	if first {
		for _, message := range buffered {
			h.push(conn, topic, message)
		}
	}
}

func (h *hub) unsubscribe(conn *hubConn, topic string) {
	h.mu.Lock()
	delete(h.subs[topic], conn)
	h.mu.Unlock()
}

func (h *hub) publish(from *hubConn, topic string, message string) {
	h.mu.Lock()
	h.mailbox[topic] = append(h.mailbox[topic], message)
	var targets []*hubConn
	for conn := range h.subs[topic] {
		if conn != from {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range targets {
		h.push(conn, topic, message)
	}
}

func (h *hub) push(conn *hubConn, topic string, message string) {
	req, _ := rpc.NewRequest("irn_subscription", map[string]any{
		"id": "sub-1",
		"data": map[string]string{
			"topic":   topic,
			"message": message,
		},
	})
	raw, _ := json.Marshal(req)
	conn.deliver(raw)
}

type hubDialer struct{ hub *hub }

func (d *hubDialer) Dial(ctx context.Context, url string) (relay.Conn, error) {
	return d.hub.dial(), nil
}

// peer is one full engine stack wired to the hub.
type peer struct {
	relay    *relay.Client
	keys     *keys.Store
	pairings *pairing.Engine
	sessions *Engine
}

func newPeer(t *testing.T, h *hub, name string, opener LinkOpener, redirect *pairing.Redirect) *peer {
	t.Helper()
	backend, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	keyStore, err := keys.NewStore(backend)
	if err != nil {
		t.Fatalf("keys.NewStore() error = %v", err)
	}
	history, err := rpc.NewHistory(backend)
	if err != nil {
		t.Fatalf("rpc.NewHistory() error = %v", err)
	}
	client, err := relay.NewClient(relay.Options{
		URL:        "wss://relay.example.com",
		Dialer:     &hubDialer{hub: h},
		Tracker:    backend,
		History:    history,
		AckTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("relay.NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pairings, err := pairing.NewEngine(pairing.Options{
		Relay:   client,
		Keys:    keyStore,
		Store:   backend,
		History: history,
	})
	if err != nil {
		t.Fatalf("pairing.NewEngine() error = %v", err)
	}
	sessions, err := NewEngine(Options{
		Relay:      client,
		Keys:       keyStore,
		Store:      backend,
		History:    history,
		Pairings:   pairings,
		Metadata:   pairing.Metadata{Name: name, URL: "https://" + name + ".example.com", Redirect: redirect},
		LinkOpener: opener,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return &peer{relay: client, keys: keyStore, pairings: pairings, sessions: sessions}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func requiredEip155() map[string]namespaces.Proposal {
	return map[string]namespaces.Proposal{
		"eip155:1": {
			Methods: []string{"personal_sign", "eth_sendTransaction"},
			Events:  []string{"chainChanged"},
		},
	}
}

func approvedEip155(t *testing.T) map[string]namespaces.Session {
	t.Helper()
	built, err := namespaces.Build(requiredEip155(), nil, walletSupported(t))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return built
}

func walletSupported(t *testing.T) namespaces.Supported {
	t.Helper()
	chain, err := caip.ParseBlockchain("eip155:1")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	account, err := caip.ParseAccount("eip155:1:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return namespaces.Supported{
		Chains:   []caip.Blockchain{chain},
		Methods:  []string{"personal_sign", "eth_sendTransaction"},
		Events:   []string{"chainChanged", "accountsChanged"},
		Accounts: []caip.Account{account},
	}
}

// settle runs the full handshake and returns both settled sessions.
func settle(t *testing.T, dapp *peer, wallet *peer) (Session, Session) {
	t.Helper()
	ctx := context.Background()

	_, uri, err := wallet.pairings.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := dapp.pairings.Pair(ctx, uri.String()); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	var proposalID int64
	var proposalMu sync.Mutex
	wallet.sessions.Events().OnProposal(func(p Proposal) {
		proposalMu.Lock()
		proposalID = p.ID
		proposalMu.Unlock()
	})

	settled := make(chan Session, 2)
	dapp.sessions.Events().OnSessionSettled(func(s Session) { settled <- s })
	wallet.sessions.Events().OnSessionSettled(func(s Session) { settled <- s })

	if _, err := dapp.sessions.Propose(ctx, ProposeParams{
		PairingTopic:       uri.Topic,
		RequiredNamespaces: requiredEip155(),
	}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	waitFor(t, "proposal delivery", func() bool {
		proposalMu.Lock()
		defer proposalMu.Unlock()
		return proposalID != 0
	})
	proposalMu.Lock()
	id := proposalID
	proposalMu.Unlock()

	if _, err := wallet.sessions.Approve(ctx, id, approvedEip155(t)); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	var dappSession, walletSession Session
	for i := 0; i < 2; i++ {
		select {
		case s := <-settled:
			if s.Controller {
				walletSession = s
			} else {
				dappSession = s
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("settlement did not complete")
		}
	}
	return dappSession, walletSession
}

func TestHandshake_SettlesOnBothSides(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)

	dappSession, walletSession := settle(t, dapp, wallet)

	if dappSession.Topic != walletSession.Topic {
		t.Fatalf("topic mismatch: %q vs %q", dappSession.Topic, walletSession.Topic)
	}
	if !dappSession.Acknowledged || !walletSession.Acknowledged {
		t.Fatalf("acknowledged = %v / %v", dappSession.Acknowledged, walletSession.Acknowledged)
	}
	if dappSession.Controller || !walletSession.Controller {
		t.Fatalf("controller flags wrong: dapp=%v wallet=%v", dappSession.Controller, walletSession.Controller)
	}

	// Both sides hold the same symmetric key for the session topic.
	ctx := context.Background()
	dappKey, ok, err := dapp.keys.SymKey(ctx, dappSession.Topic)
	if err != nil || !ok {
		t.Fatalf("dapp SymKey() = %v, %v", ok, err)
	}
	walletKey, ok, err := wallet.keys.SymKey(ctx, walletSession.Topic)
	if err != nil || !ok {
		t.Fatalf("wallet SymKey() = %v, %v", ok, err)
	}
	if dappKey != walletKey {
		t.Fatalf("session keys differ")
	}

	// Pairing is activated and carries the peer metadata.
	pair, ok, err := wallet.pairings.Get(ctx, walletSession.PairingTopic)
	if err != nil || !ok {
		t.Fatalf("pairings.Get() = %v, %v", ok, err)
	}
	if !pair.Active {
		t.Fatalf("pairing not activated after settlement")
	}
	if pair.PeerMetadata == nil || pair.PeerMetadata.Name != "dapp" {
		t.Fatalf("peer metadata = %+v", pair.PeerMetadata)
	}
}

func TestHandshake_RejectDropsProposal(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	_, uri, err := wallet.pairings.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := dapp.pairings.Pair(ctx, uri.String()); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	var mu sync.Mutex
	var proposalID int64
	wallet.sessions.Events().OnProposal(func(p Proposal) {
		mu.Lock()
		proposalID = p.ID
		mu.Unlock()
	})
	rejected := make(chan rpc.Response, 1)
	dapp.sessions.Events().OnResponse(func(topic string, resp rpc.Response) {
		if resp.Error != nil {
			rejected <- resp
		}
	})

	if _, err := dapp.sessions.Propose(ctx, ProposeParams{
		PairingTopic:       uri.Topic,
		RequiredNamespaces: requiredEip155(),
	}); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	waitFor(t, "proposal delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return proposalID != 0
	})
	mu.Lock()
	id := proposalID
	mu.Unlock()

	if err := wallet.sessions.Reject(ctx, id, "nope"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	select {
	case resp := <-rejected:
		if resp.Error.Code != ReasonUserRejected {
			t.Fatalf("reject code = %d, want %d", resp.Error.Code, ReasonUserRejected)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("rejection not observed")
	}

	waitFor(t, "proposal cleanup", func() bool {
		proposals, err := dapp.sessions.Proposals(ctx)
		return err == nil && len(proposals) == 0
	})
}

func TestRequest_RoundTrip(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, _ := settle(t, dapp, wallet)

	incoming := make(chan PendingRequest, 1)
	wallet.sessions.Events().OnRequest(func(r PendingRequest) { incoming <- r })
	responses := make(chan rpc.Response, 1)
	dapp.sessions.Events().OnResponse(func(topic string, resp rpc.Response) { responses <- resp })

	id, err := dapp.sessions.Request(ctx, dappSession.Topic, "eip155:1", "personal_sign", json.RawMessage(`["0xdead","0xbeef"]`))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var pending PendingRequest
	select {
	case pending = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatalf("request not delivered")
	}
	if pending.ID != id || pending.Method != "personal_sign" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := wallet.sessions.Respond(ctx, pending.Topic, pending.ID, "0xsigned", nil); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	select {
	case resp := <-responses:
		if resp.Error != nil {
			t.Fatalf("response error = %+v", resp.Error)
		}
		var signature string
		if err := json.Unmarshal(resp.Result, &signature); err != nil || signature != "0xsigned" {
			t.Fatalf("result = %s, err = %v", resp.Result, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("response not delivered")
	}
}

func TestRequest_UnpermittedMethodFailsLocally(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, _ := settle(t, dapp, wallet)

	if _, err := dapp.sessions.Request(ctx, dappSession.Topic, "eip155:1", "eth_signTypedData_v4", nil); !errors.Is(err, ErrInvalidPermissions) {
		t.Fatalf("Request() error = %v, want ErrInvalidPermissions", err)
	}
	if _, err := dapp.sessions.Request(ctx, dappSession.Topic, "eip155:137", "personal_sign", nil); !errors.Is(err, ErrInvalidPermissions) {
		t.Fatalf("Request() on unapproved chain error = %v, want ErrInvalidPermissions", err)
	}
}

func TestDelete_TearsDownBothSides(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, walletSession := settle(t, dapp, wallet)

	deleted := make(chan string, 1)
	dapp.sessions.Events().OnSessionDeleted(func(topic string, code int, message string) {
		if code != ReasonUserDisconnected {
			t.Errorf("delete code = %d", code)
		}
		deleted <- topic
	})

	if err := wallet.sessions.Delete(ctx, walletSession.Topic); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := wallet.sessions.Get(ctx, walletSession.Topic); ok {
		t.Fatalf("wallet session survived Delete")
	}
	if _, ok, _ := wallet.keys.SymKey(ctx, walletSession.Topic); ok {
		t.Fatalf("wallet session key survived Delete")
	}

	select {
	case topic := <-deleted:
		if topic != dappSession.Topic {
			t.Fatalf("deleted topic = %q", topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("peer delete not observed")
	}
	waitFor(t, "dapp teardown", func() bool {
		_, ok, _ := dapp.sessions.Get(ctx, dappSession.Topic)
		return !ok
	})
}

func TestEmit_PermissionsAndDelivery(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, walletSession := settle(t, dapp, wallet)

	// Non-controller may only emit negotiated events.
	if err := dapp.sessions.Emit(ctx, dappSession.Topic, "eip155:1", "somethingElse", nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("Emit() error = %v, want ErrInvalidEvent", err)
	}

	got := make(chan string, 1)
	dapp.sessions.Events().OnEvent(func(topic string, chainID string, name string, data json.RawMessage) {
		got <- name
	})
	// The controller is trusted even for events outside the negotiated set.
	if err := wallet.sessions.Emit(ctx, walletSession.Topic, "eip155:1", "accountsChanged", json.RawMessage(`[]`)); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	select {
	case name := <-got:
		if name != "accountsChanged" {
			t.Fatalf("event name = %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestExtend_ControllerOnlyAndMonotonic(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, walletSession := settle(t, dapp, wallet)

	if err := dapp.sessions.Extend(ctx, dappSession.Topic); !errors.Is(err, ErrNotController) {
		t.Fatalf("non-controller Extend() error = %v, want ErrNotController", err)
	}
	if err := wallet.sessions.Extend(ctx, walletSession.Topic); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	extended, _, err := wallet.sessions.Get(ctx, walletSession.Topic)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if extended.Expiry.Before(walletSession.Expiry) {
		t.Fatalf("expiry moved backwards: %v -> %v", walletSession.Expiry, extended.Expiry)
	}
	if until := time.Until(extended.Expiry); until > MaxTTL+time.Minute {
		t.Fatalf("expiry beyond cap: %v", extended.Expiry)
	}
}

func TestExtend_RejectsFrameFromNonController(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, walletSession := settle(t, dapp, wallet)

	rejected := make(chan rpc.Response, 1)
	dapp.sessions.Events().OnResponse(func(topic string, resp rpc.Response) {
		if resp.Error != nil {
			rejected <- resp
		}
	})
	wallet.sessions.Events().OnSessionExtended(func(topic string, expiry time.Time) {
		t.Errorf("extend from non-controller applied: %v", expiry)
	})

	// Skip the local controller check and put a raw extend on the wire.
	s, ok, err := dapp.sessions.sessions.Get(ctx, dappSession.Topic)
	if err != nil || !ok {
		t.Fatalf("sessions.Get() = %v, %v", ok, err)
	}
	if _, err := dapp.sessions.sendRequest(ctx, &s, dappSession.Topic, methodExtend, extendParams{
		ExpiryTimestamp: time.Now().Add(MaxTTL).Unix(),
	}, tagExtend, time.Hour); err != nil {
		t.Fatalf("sendRequest() error = %v", err)
	}

	select {
	case resp := <-rejected:
		if resp.Error.Code != ReasonUnauthorizedMethod {
			t.Fatalf("reject code = %d, want %d", resp.Error.Code, ReasonUnauthorizedMethod)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("rejection not observed")
	}
	kept, _, err := wallet.sessions.Get(ctx, walletSession.Topic)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !kept.Expiry.Equal(walletSession.Expiry) {
		t.Fatalf("expiry changed: %v -> %v", walletSession.Expiry, kept.Expiry)
	}
}

func TestUpdate_ControllerOnlyAndApplied(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, walletSession := settle(t, dapp, wallet)

	if err := dapp.sessions.Update(ctx, dappSession.Topic, approvedEip155(t)); !errors.Is(err, ErrNotController) {
		t.Fatalf("non-controller Update() error = %v, want ErrNotController", err)
	}

	updated := make(chan map[string]namespaces.Session, 1)
	dapp.sessions.Events().OnSessionUpdated(func(topic string, spaces map[string]namespaces.Session) {
		updated <- spaces
	})

	next := approvedEip155(t)
	entry := next["eip155"]
	entry.Methods = append(entry.Methods, "eth_signTypedData_v4")
	next["eip155"] = entry

	if err := wallet.sessions.Update(ctx, walletSession.Topic, next); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	select {
	case spaces := <-updated:
		var found bool
		for _, method := range spaces["eip155"].Methods {
			if method == "eth_signTypedData_v4" {
				found = true
			}
		}
		if !found {
			t.Fatalf("updated namespaces missing new method: %v", spaces)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("update not delivered")
	}
}

func TestUpdate_RejectsGrantBelowRequired(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, walletSession := settle(t, dapp, wallet)

	shrunk := approvedEip155(t)
	entry := shrunk["eip155"]
	entry.Methods = []string{"personal_sign"}
	shrunk["eip155"] = entry

	// Dropping a required method fails before any frame leaves.
	if err := wallet.sessions.Update(ctx, walletSession.Topic, shrunk); !errors.Is(err, namespaces.ErrValidationFailed) {
		t.Fatalf("Update() error = %v, want ErrValidationFailed", err)
	}

	rejected := make(chan rpc.Response, 1)
	wallet.sessions.Events().OnResponse(func(topic string, resp rpc.Response) {
		if resp.Error != nil {
			rejected <- resp
		}
	})
	dapp.sessions.Events().OnSessionUpdated(func(topic string, spaces map[string]namespaces.Session) {
		t.Errorf("shrunk grant applied: %v", spaces)
	})

	// A frame carrying the shrunk grant is rejected on receipt too.
	s, ok, err := wallet.sessions.sessions.Get(ctx, walletSession.Topic)
	if err != nil || !ok {
		t.Fatalf("sessions.Get() = %v, %v", ok, err)
	}
	if _, err := wallet.sessions.sendRequest(ctx, &s, walletSession.Topic, methodUpdate, updateParams{Namespaces: shrunk}, tagUpdate, time.Hour); err != nil {
		t.Fatalf("sendRequest() error = %v", err)
	}

	select {
	case resp := <-rejected:
		if resp.Error.Code != ReasonUnauthorizedMethod {
			t.Fatalf("reject code = %d, want %d", resp.Error.Code, ReasonUnauthorizedMethod)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("rejection not observed")
	}
	kept, _, err := dapp.sessions.Get(ctx, dappSession.Topic)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var found bool
	for _, method := range kept.Namespaces["eip155"].Methods {
		if method == "eth_sendTransaction" {
			found = true
		}
	}
	if !found {
		t.Fatalf("namespaces shrunk: %v", kept.Namespaces)
	}
}

func TestSweep_EvictsExpiredProposal(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	_, uri, err := wallet.pairings.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := dapp.pairings.Pair(ctx, uri.String()); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	proposal, err := dapp.sessions.Propose(ctx, ProposeParams{
		PairingTopic:       uri.Topic,
		RequiredNamespaces: requiredEip155(),
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	var mu sync.Mutex
	var expiredID int64
	dapp.sessions.Events().OnProposalExpired(func(id int64) {
		mu.Lock()
		expiredID = id
		mu.Unlock()
	})

	dapp.sessions.Sweep(ctx, time.Now().Add(ProposalTTL+time.Minute))

	mu.Lock()
	gotID := expiredID
	mu.Unlock()
	if gotID != proposal.ID {
		t.Fatalf("expired id = %d, want %d", gotID, proposal.ID)
	}
	proposals, err := dapp.sessions.Proposals(ctx)
	if err != nil {
		t.Fatalf("Proposals() error = %v", err)
	}
	if len(proposals) != 0 {
		t.Fatalf("expired proposal still stored: %v", proposals)
	}
}

func TestRespond_ExpiredRequestSendsExpiryReason(t *testing.T) {
	h := newHub()
	dapp := newPeer(t, h, "dapp", nil, nil)
	wallet := newPeer(t, h, "wallet", nil, nil)
	ctx := context.Background()

	dappSession, _ := settle(t, dapp, wallet)

	incoming := make(chan PendingRequest, 1)
	wallet.sessions.Events().OnRequest(func(r PendingRequest) { incoming <- r })
	responses := make(chan rpc.Response, 1)
	dapp.sessions.Events().OnResponse(func(topic string, resp rpc.Response) { responses <- resp })

	if _, err := dapp.sessions.Request(ctx, dappSession.Topic, "eip155:1", "personal_sign", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	var pending PendingRequest
	select {
	case pending = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatalf("request not delivered")
	}

	// Force the stored request past its expiry before responding.
	pending.Expiry = time.Now().Add(-time.Minute)
	if err := wallet.sessions.requests.Set(ctx, requestKey(pending.ID), pending); err != nil {
		t.Fatalf("requests.Set() error = %v", err)
	}
	if err := wallet.sessions.Respond(ctx, pending.Topic, pending.ID, "0xsigned", nil); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	select {
	case resp := <-responses:
		if resp.Error == nil || resp.Error.Code != ReasonSessionRequestExpired {
			t.Fatalf("response = %+v, want expiry reason", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("response not delivered")
	}
}

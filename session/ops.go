package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quailyquaily/pairlink/caip"
	"github.com/quailyquaily/pairlink/namespaces"
	"github.com/quailyquaily/pairlink/rpc"
)

// Update replaces the session namespaces. Only the controller may update;
// the peer applies the new grant on receipt.
func (e *Engine) Update(ctx context.Context, topic string, spaces map[string]namespaces.Session) error {
	s, err := e.liveSession(ctx, topic)
	if err != nil {
		return err
	}
	if !s.Controller {
		return fmt.Errorf("%w: update on %s", ErrNotController, topic)
	}
	if err := namespaces.ValidateApproved(spaces, s.RequiredNamespaces); err != nil {
		return err
	}
	if _, err := e.sendRequest(ctx, &s, topic, methodUpdate, updateParams{Namespaces: spaces}, tagUpdate, 24*time.Hour); err != nil {
		return err
	}
	s.Namespaces = spaces
	return e.sessions.Set(ctx, topic, s)
}

// Extend pushes the expiry to the maximum allowed horizon. Only the
// controller may extend.
func (e *Engine) Extend(ctx context.Context, topic string) error {
	s, err := e.liveSession(ctx, topic)
	if err != nil {
		return err
	}
	if !s.Controller {
		return fmt.Errorf("%w: extend on %s", ErrNotController, topic)
	}
	expiry := time.Now().UTC().Add(MaxTTL)
	if expiry.Before(s.Expiry) {
		// Expiry only moves forward.
		return nil
	}
	if _, err := e.sendRequest(ctx, &s, topic, methodExtend, extendParams{ExpiryTimestamp: expiry.Unix()}, tagExtend, 24*time.Hour); err != nil {
		return err
	}
	s.Expiry = expiry
	return e.sessions.Set(ctx, topic, s)
}

// Request sends a wc_sessionRequest. The method must be permitted by the
// negotiated namespaces; that check runs locally before any frame leaves.
func (e *Engine) Request(ctx context.Context, topic string, chainID string, method string, params json.RawMessage) (int64, error) {
	s, err := e.liveSession(ctx, topic)
	if err != nil {
		return 0, err
	}
	chain, err := caip.ParseBlockchain(chainID)
	if err != nil {
		return 0, err
	}
	if !namespaces.AllowsMethod(s.Namespaces, chain, method) {
		return 0, fmt.Errorf("%w: %s on %s", ErrInvalidPermissions, method, chainID)
	}

	expiry := time.Now().UTC().Add(RequestTTL)
	req, err := e.sendRequest(ctx, &s, topic, methodRequest, requestParams{
		ChainID: chainID,
		Request: requestBody{Method: method, Params: params, ExpiryTimestamp: expiry.Unix()},
	}, tagRequest, RequestTTL)
	if err != nil {
		return 0, err
	}
	return req.ID, nil
}

// Respond answers a pending inbound session request. If the request already
// expired, the peer gets the expiration reason instead of the payload.
func (e *Engine) Respond(ctx context.Context, topic string, id int64, result any, respErr *rpc.ErrorObject) error {
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, topic)
	}
	pending, ok, err := e.requests.Get(ctx, requestKey(id))
	if err != nil {
		return err
	}
	if !ok || pending.Topic != topic {
		return fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if err := e.requests.Delete(ctx, requestKey(id)); err != nil {
		return err
	}

	if pending.Expired(time.Now()) {
		return e.sendError(ctx, &s, topic, id, ReasonSessionRequestExpired, "session request expired", tagRequestResponse, RequestTTL)
	}
	if respErr != nil {
		return e.sendError(ctx, &s, topic, id, respErr.Code, respErr.Message, tagRequestResponse, RequestTTL)
	}
	return e.sendResult(ctx, &s, topic, id, result, tagRequestResponse, RequestTTL)
}

// Emit sends a wc_sessionEvent. Controller-originated events are trusted;
// a non-controller may only emit events in the negotiated set.
func (e *Engine) Emit(ctx context.Context, topic string, chainID string, name string, data json.RawMessage) error {
	s, err := e.liveSession(ctx, topic)
	if err != nil {
		return err
	}
	chain, err := caip.ParseBlockchain(chainID)
	if err != nil {
		return err
	}
	if !s.Controller && !namespaces.AllowsEvent(s.Namespaces, chain, name) {
		return fmt.Errorf("%w: %s on %s", ErrInvalidEvent, name, chainID)
	}
	_, err = e.sendRequest(ctx, &s, topic, methodEvent, eventParams{
		ChainID: chainID,
		Event:   eventBody{Name: name, Data: data},
	}, tagEvent, RequestTTL)
	return err
}

// Delete tears the session down on both sides.
func (e *Engine) Delete(ctx context.Context, topic string) error {
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, topic)
	}
	if _, err := e.sendRequest(ctx, &s, topic, methodDelete, deleteParams{
		Code:    ReasonUserDisconnected,
		Message: "user disconnected",
	}, tagDelete, 24*time.Hour); err != nil {
		e.opts.Logger.Warn("session delete publish failed", "topic", topic, "err", err)
	}
	return e.teardown(ctx, topic)
}

// Ping probes a session topic.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	s, err := e.liveSession(ctx, topic)
	if err != nil {
		return err
	}
	_, err = e.sendRequest(ctx, &s, topic, methodPing, struct{}{}, tagPing, 30*time.Second)
	return err
}

func (e *Engine) handleUpdate(ctx context.Context, topic string, req rpc.Request) {
	var params updateParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed update params", "topic", topic, "err", err)
		return
	}
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("update on unknown session", "topic", topic, "err", err)
		return
	}
	if s.Controller {
		// Updates only flow from the controller to the peer.
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonUnauthorizedMethod, "unauthorized update", tagUpdateResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("update rejection failed", "topic", topic, "err", err)
		}
		return
	}
	// The new grant must still cover everything the proposal required.
	if err := namespaces.ValidateApproved(params.Namespaces, s.RequiredNamespaces); err != nil {
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonUnauthorizedMethod, err.Error(), tagUpdateResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("update rejection failed", "topic", topic, "err", err)
		}
		return
	}
	s.Namespaces = params.Namespaces
	if err := e.sessions.Set(ctx, topic, s); err != nil {
		e.opts.Logger.Warn("persist session failed", "topic", topic, "err", err)
		return
	}
	if err := e.sendResult(ctx, &s, topic, req.ID, true, tagUpdateResponse, RequestTTL); err != nil {
		e.opts.Logger.Warn("update ack failed", "topic", topic, "err", err)
	}
	e.events.emitUpdated(topic, params.Namespaces)
}

func (e *Engine) handleExtend(ctx context.Context, topic string, req rpc.Request) {
	var params extendParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed extend params", "topic", topic, "err", err)
		return
	}
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("extend on unknown session", "topic", topic, "err", err)
		return
	}
	if s.Controller {
		// Extends only flow from the controller to the peer.
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonUnauthorizedMethod, "unauthorized extend", tagExtendResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("extend rejection failed", "topic", topic, "err", err)
		}
		return
	}
	expiry := capExpiry(unixExpiry(params.ExpiryTimestamp), time.Now())
	if expiry.After(s.Expiry) {
		s.Expiry = expiry
		if err := e.sessions.Set(ctx, topic, s); err != nil {
			e.opts.Logger.Warn("persist session failed", "topic", topic, "err", err)
			return
		}
	}
	if err := e.sendResult(ctx, &s, topic, req.ID, true, tagExtendResponse, RequestTTL); err != nil {
		e.opts.Logger.Warn("extend ack failed", "topic", topic, "err", err)
	}
	e.events.emitExtended(topic, s.Expiry)
}

func (e *Engine) handleRequest(ctx context.Context, topic string, req rpc.Request) {
	var params requestParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed request params", "topic", topic, "err", err)
		return
	}
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("request on unknown session", "topic", topic, "err", err)
		return
	}
	chain, err := caip.ParseBlockchain(params.ChainID)
	if err != nil {
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonUnauthorizedMethod, err.Error(), tagRequestResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("request rejection failed", "topic", topic, "err", err)
		}
		return
	}
	if !namespaces.AllowsMethod(s.Namespaces, chain, params.Request.Method) {
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonUnauthorizedMethod, fmt.Sprintf("unauthorized method %s", params.Request.Method), tagRequestResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("request rejection failed", "topic", topic, "err", err)
		}
		return
	}

	pending := PendingRequest{
		ID:      req.ID,
		Topic:   topic,
		ChainID: params.ChainID,
		Method:  params.Request.Method,
		Params:  params.Request.Params,
		Expiry:  unixExpiry(params.Request.ExpiryTimestamp),
	}
	if pending.Expiry.IsZero() {
		pending.Expiry = time.Now().UTC().Add(RequestTTL)
	}
	if pending.Expired(time.Now()) {
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonSessionRequestExpired, "session request expired", tagRequestResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("request rejection failed", "topic", topic, "err", err)
		}
		return
	}
	if err := e.requests.Set(ctx, requestKey(req.ID), pending); err != nil {
		e.opts.Logger.Warn("persist pending request failed", "topic", topic, "err", err)
		return
	}
	e.events.emitRequest(pending)
}

func (e *Engine) handleEvent(ctx context.Context, topic string, req rpc.Request) {
	var params eventParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed event params", "topic", topic, "err", err)
		return
	}
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("event on unknown session", "topic", topic, "err", err)
		return
	}
	chain, err := caip.ParseBlockchain(params.ChainID)
	if err != nil {
		e.opts.Logger.Warn("event with malformed chain", "topic", topic, "err", err)
		return
	}
	// Events from the controller are trusted; everything else must sit in
	// the negotiated set.
	if s.Controller && !namespaces.AllowsEvent(s.Namespaces, chain, params.Event.Name) {
		if err := e.sendError(ctx, &s, topic, req.ID, ReasonUnauthorizedEvent, fmt.Sprintf("unauthorized event %s", params.Event.Name), tagEventResponse, RequestTTL); err != nil {
			e.opts.Logger.Warn("event rejection failed", "topic", topic, "err", err)
		}
		return
	}
	if err := e.sendResult(ctx, &s, topic, req.ID, true, tagEventResponse, RequestTTL); err != nil {
		e.opts.Logger.Warn("event ack failed", "topic", topic, "err", err)
	}
	e.events.emitEvent(topic, params.ChainID, params.Event.Name, params.Event.Data)
}

func (e *Engine) handleDelete(ctx context.Context, topic string, req rpc.Request) {
	var params deleteParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed delete params", "topic", topic, "err", err)
		return
	}
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("delete on unknown session", "topic", topic, "err", err)
		return
	}
	if err := e.sendResult(ctx, &s, topic, req.ID, true, tagDeleteResponse, RequestTTL); err != nil {
		e.opts.Logger.Warn("delete ack failed", "topic", topic, "err", err)
	}
	if err := e.teardown(ctx, topic); err != nil {
		e.opts.Logger.Warn("session teardown failed", "topic", topic, "err", err)
		return
	}
	e.events.emitDeleted(topic, params.Code, params.Message)
}

func (e *Engine) handlePing(ctx context.Context, topic string, req rpc.Request) {
	s, ok, err := e.sessions.Get(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("ping on unknown session", "topic", topic, "err", err)
		return
	}
	if err := e.sendResult(ctx, &s, topic, req.ID, true, tagPingResponse, 30*time.Second); err != nil {
		e.opts.Logger.Warn("ping ack failed", "topic", topic, "err", err)
	}
}

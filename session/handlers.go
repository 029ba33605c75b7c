package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quailyquaily/pairlink/internal/jsonutil"
	"github.com/quailyquaily/pairlink/keys"
	"github.com/quailyquaily/pairlink/rpc"
)

// handleSealedMessage is the single entry point for inbound frames: decrypt,
// decode, deduplicate through the history ledger, route.
func (e *Engine) handleSealedMessage(ctx context.Context, topic string, message string) {
	sym, ok, err := e.opts.Keys.SymKey(ctx, topic)
	if err != nil {
		e.opts.Logger.Warn("key lookup failed", "topic", topic, "err", err)
		return
	}
	if !ok {
		e.opts.Logger.Debug("dropped message for unknown topic", "topic", topic)
		return
	}
	plaintext, _, err := keys.Open(sym, message)
	if err != nil {
		e.opts.Logger.Warn("dropped undecryptable message", "topic", topic, "err", err)
		return
	}
	e.handlePlaintext(ctx, topic, plaintext)
}

func (e *Engine) handlePlaintext(ctx context.Context, topic string, plaintext []byte) {
	if rpc.IsResponse(plaintext) {
		resp, err := rpc.DecodeResponse(plaintext)
		if err != nil {
			e.opts.Logger.Warn("dropped malformed response", "topic", topic, "err", err)
			return
		}
		e.routeResponse(ctx, topic, resp)
		return
	}

	req, err := rpc.DecodeRequest(plaintext)
	if err != nil {
		e.opts.Logger.Warn("dropped malformed request", "topic", topic, "err", err)
		return
	}
	// The ledger is the dedup authority: a replayed id is dropped here and
	// never reaches a handler.
	if err := e.opts.History.Set(ctx, req, topic, rpc.OriginRemote); err != nil {
		if errors.Is(err, rpc.ErrDuplicateRequest) {
			e.opts.Logger.Debug("dropped duplicate request", "topic", topic, "id", req.ID)
			return
		}
		e.opts.Logger.Warn("history record failed", "topic", topic, "err", err)
		return
	}
	e.routeRequest(ctx, topic, req)
}

func (e *Engine) routeRequest(ctx context.Context, topic string, req rpc.Request) {
	if handled, err := e.opts.Pairings.HandleRequest(ctx, topic, req); handled {
		if err != nil {
			e.opts.Logger.Warn("pairing request failed", "topic", topic, "method", req.Method, "err", err)
		}
		return
	}

	switch req.Method {
	case methodPropose:
		e.handlePropose(ctx, topic, req)
	case methodSettle:
		e.handleSettle(ctx, topic, req)
	case methodUpdate:
		e.handleUpdate(ctx, topic, req)
	case methodExtend:
		e.handleExtend(ctx, topic, req)
	case methodRequest:
		e.handleRequest(ctx, topic, req)
	case methodEvent:
		e.handleEvent(ctx, topic, req)
	case methodDelete:
		e.handleDelete(ctx, topic, req)
	case methodPing:
		e.handlePing(ctx, topic, req)
	default:
		e.opts.Logger.Warn("dropped unknown method", "topic", topic, "method", req.Method)
	}
}

func (e *Engine) routeResponse(ctx context.Context, topic string, resp rpc.Response) {
	record, err := e.opts.History.Resolve(ctx, resp)
	if err != nil {
		if errors.Is(err, rpc.ErrDuplicateResponse) || errors.Is(err, rpc.ErrRequestNotFound) {
			e.opts.Logger.Debug("dropped uncorrelated response", "topic", topic, "id", resp.ID)
			return
		}
		e.opts.Logger.Warn("history resolve failed", "topic", topic, "err", err)
		return
	}

	switch record.Request.Method {
	case methodPropose:
		e.handleProposeResponse(ctx, record, resp)
	case methodSettle:
		e.handleSettleResponse(ctx, record, resp)
	case methodRequest:
		e.events.emitResponse(record.Topic, resp)
	case methodPing, methodUpdate, methodExtend, methodEvent, methodDelete:
		if resp.Error != nil {
			e.opts.Logger.Warn("peer rejected request", "topic", record.Topic, "method", record.Request.Method, "code", resp.Error.Code)
		}
		e.events.emitResponse(record.Topic, resp)
	default:
		e.opts.Logger.Debug("response for unrouted method", "method", record.Request.Method)
	}
}

// handlePropose stores an inbound proposal and surfaces it; approval is
// always an explicit caller decision.
func (e *Engine) handlePropose(ctx context.Context, topic string, req rpc.Request) {
	var params proposeParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed propose params", "topic", topic, "err", err)
		return
	}
	if len(params.RequiredNamespaces) == 0 {
		e.opts.Logger.Warn("proposal without required namespaces", "topic", topic)
		return
	}
	proposal := Proposal{
		ID:                 req.ID,
		PairingTopic:       topic,
		Proposer:           params.Proposer,
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		Relays:             params.Relays,
		Expiry:             unixExpiry(params.ExpiryTimestamp),
	}
	if err := e.proposals.Set(ctx, requestKey(req.ID), proposal); err != nil {
		e.opts.Logger.Warn("persist proposal failed", "topic", topic, "err", err)
		return
	}
	e.opts.Logger.Info("session proposal received", "topic", topic, "id", req.ID)
	e.events.emitProposal(proposal)
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("session: empty params")
	}
	return jsonutil.DecodeStrict(raw, out)
}

func decodeResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("session: empty result")
	}
	return jsonutil.DecodeStrict(raw, out)
}

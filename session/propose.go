package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quailyquaily/pairlink/keys"
	"github.com/quailyquaily/pairlink/namespaces"
	"github.com/quailyquaily/pairlink/pairing"
	"github.com/quailyquaily/pairlink/relay"
	"github.com/quailyquaily/pairlink/rpc"
)

// ProposeParams describes a session proposal to send over a pairing.
type ProposeParams struct {
	PairingTopic       string
	RequiredNamespaces map[string]namespaces.Proposal
	OptionalNamespaces map[string]namespaces.Proposal
}

// Propose sends wc_sessionPropose on the pairing topic and blocks until the
// relay acknowledges the publish. The returned proposal is pending until the
// peer approves or rejects it.
func (e *Engine) Propose(ctx context.Context, params ProposeParams) (Proposal, error) {
	if len(params.RequiredNamespaces) == 0 {
		return Proposal{}, fmt.Errorf("%w: required namespaces are empty", namespaces.ErrValidationFailed)
	}
	if err := namespaces.ValidateProposals(params.RequiredNamespaces); err != nil {
		return Proposal{}, err
	}
	if err := namespaces.ValidateProposals(params.OptionalNamespaces); err != nil {
		return Proposal{}, err
	}
	if _, ok, err := e.opts.Pairings.Get(ctx, params.PairingTopic); err != nil {
		return Proposal{}, err
	} else if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", pairing.ErrPairingNotFound, params.PairingTopic)
	}

	pair, err := keys.GenerateAgreementKeypair()
	if err != nil {
		return Proposal{}, err
	}
	if err := e.opts.Keys.SetAgreementKeypair(ctx, pair); err != nil {
		return Proposal{}, err
	}

	expiry := time.Now().UTC().Add(ProposalTTL)
	self := Participant{PublicKey: pair.Public.Hex(), Metadata: e.opts.Metadata}
	req, err := rpc.NewRequest(methodPropose, proposeParams{
		Relays:             []pairing.RelayOptions{{Protocol: relay.PrefixIrn}},
		Proposer:           self,
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		ExpiryTimestamp:    expiry.Unix(),
	})
	if err != nil {
		return Proposal{}, err
	}
	if err := e.opts.History.Set(ctx, req, params.PairingTopic, rpc.OriginLocal); err != nil {
		return Proposal{}, err
	}
	sealed, err := e.seal(ctx, params.PairingTopic, req)
	if err != nil {
		return Proposal{}, err
	}
	if err := e.opts.Relay.PublishWithAck(ctx, params.PairingTopic, sealed, relay.PublishOptions{
		TTL: ProposalTTL,
		Tag: tagPropose,
	}); err != nil {
		return Proposal{}, err
	}

	proposal := Proposal{
		ID:                 req.ID,
		PairingTopic:       params.PairingTopic,
		Proposer:           self,
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		Relays:             []pairing.RelayOptions{{Protocol: relay.PrefixIrn}},
		Expiry:             expiry,
	}
	if err := e.proposals.Set(ctx, requestKey(req.ID), proposal); err != nil {
		return Proposal{}, err
	}
	e.opts.Logger.Info("session proposed", "pairing_topic", params.PairingTopic, "id", req.ID)
	return proposal, nil
}

// Approve settles an inbound proposal: key agreement, session topic
// subscription, the approval response on the pairing topic, and
// wc_sessionSettle on the new session topic. The returned session stays
// unacknowledged until the proposer confirms the settlement.
func (e *Engine) Approve(ctx context.Context, proposalID int64, approved map[string]namespaces.Session) (Session, error) {
	proposal, ok, err := e.proposals.Get(ctx, requestKey(proposalID))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
	}
	if proposal.Expired(time.Now()) {
		return Session{}, fmt.Errorf("%w: proposal %d", ErrSessionExpired, proposalID)
	}
	if err := namespaces.ValidateApproved(approved, proposal.RequiredNamespaces); err != nil {
		return Session{}, err
	}

	proposerPub, err := keys.ParsePublicKey(proposal.Proposer.PublicKey)
	if err != nil {
		return Session{}, err
	}
	pair, err := keys.GenerateAgreementKeypair()
	if err != nil {
		return Session{}, err
	}
	sym, sessionTopic, err := keys.SharedKey(pair.Private, proposerPub)
	if err != nil {
		return Session{}, err
	}
	if err := e.opts.Keys.SetSymKey(ctx, sessionTopic, sym); err != nil {
		return Session{}, err
	}
	if _, err := e.opts.Relay.Subscribe(ctx, sessionTopic); err != nil {
		return Session{}, err
	}

	self := Participant{PublicKey: pair.Public.Hex(), Metadata: e.opts.Metadata}
	expiry := time.Now().UTC().Add(MaxTTL)
	session := Session{
		Topic:              sessionTopic,
		PairingTopic:       proposal.PairingTopic,
		Relay:              pairing.RelayOptions{Protocol: relay.PrefixIrn},
		Self:               self,
		Peer:               proposal.Proposer,
		Controller:         true,
		Namespaces:         approved,
		RequiredNamespaces: proposal.RequiredNamespaces,
		OptionalNamespaces: proposal.OptionalNamespaces,
		Expiry:             expiry,
		Transport:          TransportRelay,
	}
	if err := e.sessions.Set(ctx, sessionTopic, session); err != nil {
		return Session{}, err
	}

	// Approval response rides the pairing topic so the proposer can derive
	// the session topic from the responder key.
	if err := e.sendResult(ctx, nil, proposal.PairingTopic, proposal.ID, proposeResult{
		Relay:              session.Relay,
		ResponderPublicKey: self.PublicKey,
	}, tagProposeResponse, ProposalTTL); err != nil {
		return Session{}, err
	}

	if _, err := e.sendRequest(ctx, &session, sessionTopic, methodSettle, settleParams{
		Relay:           session.Relay,
		Controller:      self,
		Namespaces:      approved,
		ExpiryTimestamp: expiry.Unix(),
	}, tagSettle, ProposalTTL); err != nil {
		return Session{}, err
	}

	if err := e.opts.Pairings.Activate(ctx, proposal.PairingTopic); err != nil {
		e.opts.Logger.Warn("pairing activation failed", "topic", proposal.PairingTopic, "err", err)
	}
	if err := e.opts.Pairings.UpdatePeerMetadata(ctx, proposal.PairingTopic, proposal.Proposer.Metadata); err != nil {
		e.opts.Logger.Warn("pairing metadata update failed", "topic", proposal.PairingTopic, "err", err)
	}
	if err := e.proposals.Delete(ctx, requestKey(proposalID)); err != nil {
		return Session{}, err
	}
	e.opts.Logger.Info("session settling", "topic", sessionTopic, "pairing_topic", proposal.PairingTopic)
	return session, nil
}

// Reject answers a proposal with the user-rejected reason and drops it.
func (e *Engine) Reject(ctx context.Context, proposalID int64, message string) error {
	proposal, ok, err := e.proposals.Get(ctx, requestKey(proposalID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
	}
	if message == "" {
		message = "user rejected"
	}
	if err := e.sendError(ctx, nil, proposal.PairingTopic, proposal.ID, ReasonUserRejected, message, tagProposeResponse, ProposalTTL); err != nil {
		return err
	}
	return e.proposals.Delete(ctx, requestKey(proposalID))
}

// handleProposeResponse runs on the proposer when the approval or rejection
// arrives on the pairing topic.
func (e *Engine) handleProposeResponse(ctx context.Context, record rpc.Record, resp rpc.Response) {
	key := requestKey(record.ID)
	proposal, ok, err := e.proposals.Get(ctx, key)
	if err != nil || !ok {
		e.opts.Logger.Warn("propose response without stored proposal", "id", record.ID, "err", err)
		return
	}

	if resp.Error != nil {
		e.opts.Logger.Info("session proposal rejected", "id", record.ID, "code", resp.Error.Code)
		e.dropProposal(ctx, proposal)
		e.events.emitResponse(record.Topic, resp)
		return
	}

	var result proposeResult
	if err := decodeResult(resp.Result, &result); err != nil {
		e.opts.Logger.Warn("malformed propose result", "id", record.ID, "err", err)
		return
	}
	responderPub, err := keys.ParsePublicKey(result.ResponderPublicKey)
	if err != nil {
		e.opts.Logger.Warn("malformed responder key", "id", record.ID, "err", err)
		return
	}
	proposerPub, err := keys.ParsePublicKey(proposal.Proposer.PublicKey)
	if err != nil {
		e.opts.Logger.Warn("corrupt proposal record", "id", record.ID, "err", err)
		return
	}
	pair, ok, err := e.opts.Keys.AgreementKeypair(ctx, proposerPub)
	if err != nil || !ok {
		e.opts.Logger.Warn("agreement keypair missing", "id", record.ID, "err", err)
		return
	}
	sym, sessionTopic, err := keys.SharedKey(pair.Private, responderPub)
	if err != nil {
		e.opts.Logger.Warn("key agreement failed", "id", record.ID, "err", err)
		return
	}
	if err := e.opts.Keys.SetSymKey(ctx, sessionTopic, sym); err != nil {
		e.opts.Logger.Warn("persist session key failed", "topic", sessionTopic, "err", err)
		return
	}

	// The settle frame can arrive the moment the subscription exists, so the
	// proposal must already know its session topic.
	proposal.SessionTopic = sessionTopic
	if err := e.proposals.Set(ctx, key, proposal); err != nil {
		e.opts.Logger.Warn("persist proposal failed", "id", record.ID, "err", err)
		return
	}
	if _, err := e.opts.Relay.Subscribe(ctx, sessionTopic); err != nil {
		e.opts.Logger.Warn("session topic subscribe failed", "topic", sessionTopic, "err", err)
		return
	}
	e.opts.Logger.Info("session topic derived", "topic", sessionTopic, "id", record.ID)
}

// handleSettle runs on the proposer when wc_sessionSettle arrives on the
// derived session topic.
func (e *Engine) handleSettle(ctx context.Context, topic string, req rpc.Request) {
	var params settleParams
	if err := decodeParams(req.Params, &params); err != nil {
		e.opts.Logger.Warn("malformed settle params", "topic", topic, "err", err)
		return
	}

	proposal, ok, err := e.proposalBySessionTopic(ctx, topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("settle on unknown session topic", "topic", topic, "err", err)
		return
	}

	if err := namespaces.ValidateApproved(params.Namespaces, proposal.RequiredNamespaces); err != nil {
		e.opts.Logger.Warn("settlement namespaces rejected", "topic", topic, "err", err)
		if err := e.sendError(ctx, nil, topic, req.ID, ReasonSettlementFailed, err.Error(), tagSettleResponse, ProposalTTL); err != nil {
			e.opts.Logger.Warn("settle error response failed", "topic", topic, "err", err)
		}
		e.rollbackSettlement(ctx, topic, proposal)
		return
	}

	session := Session{
		Topic:              topic,
		PairingTopic:       proposal.PairingTopic,
		Relay:              params.Relay,
		Self:               proposal.Proposer,
		Peer:               params.Controller,
		Controller:         false,
		Namespaces:         params.Namespaces,
		RequiredNamespaces: proposal.RequiredNamespaces,
		OptionalNamespaces: proposal.OptionalNamespaces,
		Expiry:             capExpiry(unixExpiry(params.ExpiryTimestamp), time.Now()),
		Acknowledged:       true,
		Transport:          TransportRelay,
	}
	if err := e.sessions.Set(ctx, topic, session); err != nil {
		e.opts.Logger.Warn("persist session failed", "topic", topic, "err", err)
		return
	}
	if err := e.sendResult(ctx, &session, topic, req.ID, true, tagSettleResponse, ProposalTTL); err != nil {
		e.opts.Logger.Warn("settle ack failed", "topic", topic, "err", err)
	}

	if err := e.opts.Pairings.Activate(ctx, proposal.PairingTopic); err != nil {
		e.opts.Logger.Warn("pairing activation failed", "topic", proposal.PairingTopic, "err", err)
	}
	if err := e.opts.Pairings.UpdatePeerMetadata(ctx, proposal.PairingTopic, params.Controller.Metadata); err != nil {
		e.opts.Logger.Warn("pairing metadata update failed", "topic", proposal.PairingTopic, "err", err)
	}
	e.dropProposal(ctx, proposal)
	e.opts.Logger.Info("session settled", "topic", topic)
	e.events.emitSettled(session)
}

// handleSettleResponse runs on the responder when the proposer confirms or
// rejects the settlement. A rejection rolls the provisional session back.
func (e *Engine) handleSettleResponse(ctx context.Context, record rpc.Record, resp rpc.Response) {
	if resp.Error != nil {
		e.opts.Logger.Warn("settlement rejected by peer", "topic", record.Topic, "code", resp.Error.Code)
		if err := e.teardown(ctx, record.Topic); err != nil {
			e.opts.Logger.Warn("settlement rollback failed", "topic", record.Topic, "err", err)
		}
		e.events.emitResponse(record.Topic, resp)
		return
	}

	session, ok, err := e.sessions.Get(ctx, record.Topic)
	if err != nil || !ok {
		e.opts.Logger.Warn("settle ack for unknown session", "topic", record.Topic, "err", err)
		return
	}
	session.Acknowledged = true
	if err := e.sessions.Set(ctx, record.Topic, session); err != nil {
		e.opts.Logger.Warn("persist session failed", "topic", record.Topic, "err", err)
		return
	}
	e.opts.Logger.Info("session acknowledged", "topic", record.Topic)
	e.events.emitSettled(session)
}

func (e *Engine) proposalBySessionTopic(ctx context.Context, topic string) (Proposal, bool, error) {
	all, err := e.proposals.All(ctx)
	if err != nil {
		return Proposal{}, false, err
	}
	for _, proposal := range all {
		if proposal.SessionTopic == topic {
			return proposal, true, nil
		}
	}
	return Proposal{}, false, nil
}

// dropProposal removes a proposal and the ephemeral keypair minted for it.
func (e *Engine) dropProposal(ctx context.Context, proposal Proposal) {
	if err := e.proposals.Delete(ctx, requestKey(proposal.ID)); err != nil {
		e.opts.Logger.Warn("drop proposal failed", "id", proposal.ID, "err", err)
	}
	if pub, err := keys.ParsePublicKey(proposal.Proposer.PublicKey); err == nil {
		if err := e.opts.Keys.DeleteAgreementKeypair(ctx, pub); err != nil {
			e.opts.Logger.Warn("drop agreement keypair failed", "id", proposal.ID, "err", err)
		}
	}
}

// rollbackSettlement releases the provisional key material and subscription
// created while the settlement was in flight.
func (e *Engine) rollbackSettlement(ctx context.Context, topic string, proposal Proposal) {
	if err := e.opts.Keys.DeleteAll(ctx, topic); err != nil {
		e.opts.Logger.Warn("settlement rollback failed", "topic", topic, "err", err)
	}
	if err := e.opts.Relay.Unsubscribe(ctx, topic); err != nil && !errors.Is(err, relay.ErrSubscriptionIDNotFound) {
		e.opts.Logger.Warn("settlement rollback unsubscribe failed", "topic", topic, "err", err)
	}
	e.dropProposal(ctx, proposal)
}

// capExpiry clamps a peer-supplied expiry into the allowed window.
func capExpiry(expiry time.Time, now time.Time) time.Time {
	max := now.UTC().Add(MaxTTL)
	if expiry.IsZero() || expiry.After(max) {
		return max
	}
	return expiry
}

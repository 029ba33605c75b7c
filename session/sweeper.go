package session

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often expiry watchers fire. Evictions may lag
// an expiry by up to one interval.
const DefaultSweepInterval = 3 * time.Second

// Run drives the expiry sweeper until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Sweep(ctx, now)
		}
	}
}

// Sweep evicts everything past its expiry: proposals, pending requests,
// sessions, and pairings. Every eviction surfaces through its expiry event.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	if proposals, err := e.proposals.All(ctx); err == nil {
		for key, proposal := range proposals {
			if !proposal.Expired(now) {
				continue
			}
			if err := e.proposals.Delete(ctx, key); err != nil {
				e.opts.Logger.Warn("proposal eviction failed", "id", proposal.ID, "err", err)
				continue
			}
			e.events.emitProposalExpired(proposal.ID)
		}
	} else {
		e.opts.Logger.Warn("proposal sweep failed", "err", err)
	}

	if requests, err := e.requests.All(ctx); err == nil {
		for key, pending := range requests {
			if !pending.Expired(now) {
				continue
			}
			if err := e.requests.Delete(ctx, key); err != nil {
				e.opts.Logger.Warn("request eviction failed", "id", pending.ID, "err", err)
				continue
			}
			e.events.emitRequestExpired(pending)
		}
	} else {
		e.opts.Logger.Warn("request sweep failed", "err", err)
	}

	if sessions, err := e.sessions.All(ctx); err == nil {
		for topic, s := range sessions {
			if !s.Expired(now) {
				continue
			}
			if err := e.teardown(ctx, topic); err != nil {
				e.opts.Logger.Warn("session eviction failed", "topic", topic, "err", err)
				continue
			}
			e.events.emitExpired(topic)
		}
	} else {
		e.opts.Logger.Warn("session sweep failed", "err", err)
	}

	if _, err := e.opts.Pairings.EvictExpired(ctx, now); err != nil {
		e.opts.Logger.Warn("pairing sweep failed", "err", err)
	}
}

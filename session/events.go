package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quailyquaily/pairlink/namespaces"
	"github.com/quailyquaily/pairlink/rpc"
)

type (
	ProposalFunc        func(proposal Proposal)
	ProposalExpiredFunc func(id int64)
	SettledFunc         func(session Session)
	DeletedFunc         func(topic string, code int, message string)
	ExpiredFunc         func(topic string)
	UpdatedFunc         func(topic string, spaces map[string]namespaces.Session)
	ExtendedFunc        func(topic string, expiry time.Time)
	RequestFunc         func(request PendingRequest)
	RequestExpiredFunc  func(request PendingRequest)
	ResponseFunc        func(topic string, resp rpc.Response)
	EventFunc           func(topic string, chainID string, name string, data json.RawMessage)
)

// events fans protocol happenings out to registered observers. An observer
// registered before an event fires sees it exactly once; registration after
// the fact sees nothing.
type events struct {
	mu sync.Mutex

	proposal        []ProposalFunc
	proposalExpired []ProposalExpiredFunc
	settled         []SettledFunc
	deleted         []DeletedFunc
	expired         []ExpiredFunc
	updated         []UpdatedFunc
	extended        []ExtendedFunc
	request         []RequestFunc
	requestExpired  []RequestExpiredFunc
	response        []ResponseFunc
	event           []EventFunc
}

func newEvents() *events { return &events{} }

// Events is the registration surface handed to engine consumers.
type Events struct {
	inner *events
}

func (e *Events) OnProposal(fn ProposalFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.proposal = append(e.inner.proposal, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnProposalExpired(fn ProposalExpiredFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.proposalExpired = append(e.inner.proposalExpired, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnSessionSettled(fn SettledFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.settled = append(e.inner.settled, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnSessionDeleted(fn DeletedFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.deleted = append(e.inner.deleted, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnSessionExpired(fn ExpiredFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.expired = append(e.inner.expired, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnSessionUpdated(fn UpdatedFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.updated = append(e.inner.updated, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnSessionExtended(fn ExtendedFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.extended = append(e.inner.extended, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnRequest(fn RequestFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.request = append(e.inner.request, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnRequestExpired(fn RequestExpiredFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.requestExpired = append(e.inner.requestExpired, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnResponse(fn ResponseFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.response = append(e.inner.response, fn)
		e.inner.mu.Unlock()
	}
}

func (e *Events) OnEvent(fn EventFunc) {
	if fn != nil {
		e.inner.mu.Lock()
		e.inner.event = append(e.inner.event, fn)
		e.inner.mu.Unlock()
	}
}

func (ev *events) emitProposal(p Proposal) {
	ev.mu.Lock()
	fns := append([]ProposalFunc(nil), ev.proposal...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (ev *events) emitProposalExpired(id int64) {
	ev.mu.Lock()
	fns := append([]ProposalExpiredFunc(nil), ev.proposalExpired...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (ev *events) emitSettled(s Session) {
	ev.mu.Lock()
	fns := append([]SettledFunc(nil), ev.settled...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (ev *events) emitDeleted(topic string, code int, message string) {
	ev.mu.Lock()
	fns := append([]DeletedFunc(nil), ev.deleted...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(topic, code, message)
	}
}

func (ev *events) emitExpired(topic string) {
	ev.mu.Lock()
	fns := append([]ExpiredFunc(nil), ev.expired...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(topic)
	}
}

func (ev *events) emitUpdated(topic string, spaces map[string]namespaces.Session) {
	ev.mu.Lock()
	fns := append([]UpdatedFunc(nil), ev.updated...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(topic, spaces)
	}
}

func (ev *events) emitExtended(topic string, expiry time.Time) {
	ev.mu.Lock()
	fns := append([]ExtendedFunc(nil), ev.extended...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(topic, expiry)
	}
}

func (ev *events) emitRequest(r PendingRequest) {
	ev.mu.Lock()
	fns := append([]RequestFunc(nil), ev.request...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (ev *events) emitRequestExpired(r PendingRequest) {
	ev.mu.Lock()
	fns := append([]RequestExpiredFunc(nil), ev.requestExpired...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (ev *events) emitResponse(topic string, resp rpc.Response) {
	ev.mu.Lock()
	fns := append([]ResponseFunc(nil), ev.response...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(topic, resp)
	}
}

func (ev *events) emitEvent(topic string, chainID string, name string, data json.RawMessage) {
	ev.mu.Lock()
	fns := append([]EventFunc(nil), ev.event...)
	ev.mu.Unlock()
	for _, fn := range fns {
		fn(topic, chainID, name, data)
	}
}

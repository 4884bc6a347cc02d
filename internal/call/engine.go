// Package call negotiates one-to-one media sessions over the realtime
// connection, using Pion for the peer connection and local capture. Coupling
// to the rest of the client is via the Signaler interface only.
package call

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/conn"
	"github.com/mbroersen/parley/internal/proto"
	"github.com/mbroersen/parley/internal/session"
)

// ErrBusy is returned when a call with the peer already exists.
var ErrBusy = errors.New("call: call with this peer already active")

// Signaler is the slice of the connection manager the engine needs.
type Signaler interface {
	Emit(event string, payload any) bool
	On(event string, h conn.Handler) (off func())
	OnState(fn conn.StateListener) (off func())
}

// IncomingCall is handed to OnIncoming subscribers when a peer calls. The UI
// resolves it by invoking exactly one of Accept or Reject.
type IncomingCall struct {
	CallID     string
	From       string
	CallerName string
	Accept     func() (*Session, error)
	Reject     func()
}

// Engine owns the active sessions and bridges realtime signaling to them.
// At most one session per remote peer exists at a time.
type Engine struct {
	sig  Signaler
	self session.Session
	cfg  config.Call

	mu       sync.RWMutex
	sessions map[string]*Session // remote userID → session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	offs []func()
}

// NewEngine attaches to sig and starts listening for call signaling
// immediately.
func NewEngine(sig Signaler, self session.Session, cfg config.Call) *Engine {
	e := &Engine{
		sig:      sig,
		self:     self,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	e.offs = append(e.offs,
		sig.On(proto.EventCallOffer, e.onOffer),
		sig.On(proto.EventCallAccepted, e.onAccepted),
		sig.On(proto.EventCallRejected, e.onRejected),
		sig.On(proto.EventCallEnded, e.onEnded),
		sig.On(proto.EventIceCandidate, e.onCandidate),
		sig.OnState(e.onConnState),
	)
	return e
}

// OnIncoming registers a callback fired for each incoming call request.
func (e *Engine) OnIncoming(fn func(*IncomingCall)) {
	e.incomingMu.Lock()
	e.incoming = append(e.incoming, fn)
	e.incomingMu.Unlock()
}

// Call dials peerID. The returned session is Connecting until the peer
// answers or a terminal state is reached.
func (e *Engine) Call(peerID, peerName string) (*Session, error) {
	sess := newSession(e, uuid.New().String(), Outgoing, peerID, peerName)
	if err := e.track(sess); err != nil {
		return nil, err
	}
	if err := sess.dial(); err != nil {
		sess.terminate(StateError)
		return nil, err
	}
	log.Printf("CALL: started %s to %s", sess.CallID, peerID)
	return sess, nil
}

// Session returns the active session with peerID, if any.
func (e *Engine) Session(peerID string) (*Session, bool) {
	e.mu.RLock()
	s, ok := e.sessions[peerID]
	e.mu.RUnlock()
	return s, ok
}

// Close hangs up every active session and detaches from the signaler.
func (e *Engine) Close() {
	for _, off := range e.offs {
		off()
	}
	e.offs = nil

	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}

func (e *Engine) emit(event string, payload any) bool {
	return e.sig.Emit(event, payload)
}

// track claims the per-peer slot for sess.
func (e *Engine) track(sess *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sess.PeerID]; ok {
		return ErrBusy
	}
	e.sessions[sess.PeerID] = sess
	return nil
}

func (e *Engine) removeSession(peerID string) {
	e.mu.Lock()
	delete(e.sessions, peerID)
	e.mu.Unlock()
}

// peerSession resolves an inbound signal to its session, enforcing the
// to/from filter: the event must target us and come from a peer we are in a
// call with.
func (e *Engine) peerSession(to, from string) (*Session, bool) {
	if to != e.self.UserID {
		return nil, false
	}
	return e.Session(from)
}

func (e *Engine) onOffer(data json.RawMessage) {
	var in proto.CallOffer
	if err := json.Unmarshal(data, &in); err != nil {
		log.Printf("CALL: bad call_offer: %v", err)
		return
	}
	if in.To != e.self.UserID {
		return
	}

	sess := newSession(e, uuid.New().String(), Incoming, in.From, in.CallerName)
	if err := e.track(sess); err != nil {
		// Already in a call with this peer: refuse the new one.
		e.emit(proto.EventCallRejected, proto.CallControl{To: in.From, From: e.self.UserID})
		return
	}
	log.Printf("CALL: incoming %s from %s", sess.CallID, in.From)

	offer := in.Offer
	ic := &IncomingCall{
		CallID:     sess.CallID,
		From:       in.From,
		CallerName: in.CallerName,
		Accept: func() (*Session, error) {
			if err := sess.answer(offer); err != nil {
				sess.terminate(StateError)
				return nil, err
			}
			return sess, nil
		},
		Reject: func() {
			e.emit(proto.EventCallRejected, proto.CallControl{To: in.From, From: e.self.UserID})
			sess.terminate(StateRejected)
		},
	}

	e.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(e.incoming))
	copy(handlers, e.incoming)
	e.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (e *Engine) onAccepted(data json.RawMessage) {
	var in proto.CallAccepted
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	if sess, ok := e.peerSession(in.To, in.From); ok {
		sess.handleAnswer(in.Answer)
	}
}

func (e *Engine) onRejected(data json.RawMessage) {
	var in proto.CallControl
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	if sess, ok := e.peerSession(in.To, in.From); ok {
		sess.rejectedByPeer()
	}
}

func (e *Engine) onEnded(data json.RawMessage) {
	var in proto.CallControl
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	if sess, ok := e.peerSession(in.To, in.From); ok {
		sess.peerEnded()
	}
}

func (e *Engine) onCandidate(data json.RawMessage) {
	var in proto.IceCandidate
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	if sess, ok := e.peerSession(in.To, in.From); ok {
		sess.addRemoteCandidate(in.Candidate)
	}
}

// onConnState reacts to the signaling connection: a restored connection
// flushes queued local candidates; a permanently failed one ends every call,
// since there is no path left to signal through.
func (e *Engine) onConnState(_, now conn.State) {
	e.mu.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	switch now {
	case conn.Connected:
		for _, s := range sessions {
			s.flushLocalCandidates()
		}
	case conn.Error:
		for _, s := range sessions {
			s.peerEnded()
		}
	}
}

// Package conn owns the single realtime transport: its connect/disconnect
// lifecycle, reconnection backoff, heartbeat, and the emit/listen primitives
// every other component goes through. Nothing outside this package holds a
// reference to the websocket itself.
package conn

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/proto"
	"github.com/mbroersen/parley/internal/session"
)

// Handler receives the raw payload of one inbound event. Handlers run on the
// read-loop goroutine, so events are dispatched in arrival order.
type Handler func(data json.RawMessage)

// StateListener observes state transitions.
type StateListener func(old, new State)

// PendingFrame is one queued outbound frame plus the id used to acknowledge
// its transmission.
type PendingFrame struct {
	ID  string
	Env proto.Envelope
}

// PendingSource supplies frames queued while disconnected. The manager
// flushes it in insertion order after every successful (re)connection,
// acknowledging each frame only once it is written. Frames left behind by a
// mid-flush transport failure stay queued for the next reconnect.
type PendingSource interface {
	PendingFrames() []PendingFrame
	Ack(id string)
}

// Manager maintains at most one live transport to the server.
type Manager struct {
	url string
	cfg config.Realtime

	dialer *websocket.Dialer

	mu       sync.Mutex
	state    State
	sess     session.Session
	ws       *websocket.Conn
	attempts int
	gen      int // bumped on every disconnect so stale read loops are ignored
	retry    *time.Timer

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]map[uint64]Handler
	nextID    uint64

	stateMu        sync.RWMutex
	stateListeners map[uint64]StateListener
	nextStateID    uint64

	pending PendingSource
}

func New(url string, cfg config.Realtime) *Manager {
	return &Manager{
		url: url,
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		state:          Disconnected,
		handlers:       make(map[string]map[uint64]Handler),
		stateListeners: make(map[uint64]StateListener),
	}
}

// SetPendingSource registers the queue flushed after each (re)connect.
// Must be called before Connect.
func (m *Manager) SetPendingSource(src PendingSource) {
	m.mu.Lock()
	m.pending = src
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnection attempt counter. Reset to zero
// on every successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the transport authenticated as sess. Idempotent: a no-op
// while already Connecting, Connected or Reconnecting. Calling Connect from
// the Error state starts a fresh attempt cycle.
func (m *Manager) Connect(sess session.Session) {
	m.mu.Lock()
	switch m.state {
	case Connecting, Connected, Reconnecting:
		m.mu.Unlock()
		return
	}
	m.sess = sess
	m.attempts = 0
	gen := m.gen
	old := m.state
	m.state = Connecting
	m.mu.Unlock()

	m.notifyState(old, Connecting)
	go m.dial(gen)
}

// Disconnect tears down the transport, clears all timers and transitions to
// Disconnected. Safe to call in any state, including repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	ws := m.ws
	m.ws = nil
	old := m.state
	m.state = Disconnected
	m.attempts = 0
	m.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	if old != Disconnected {
		m.notifyState(old, Disconnected)
		log.Printf("CONN: disconnected")
	}
}

// Emit transmits one event immediately if Connected and returns true.
// Otherwise it returns false without side effects; queuing policy belongs to
// the caller.
func (m *Manager) Emit(event string, payload any) bool {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected || ws == nil {
		return false
	}

	env, err := proto.NewEnvelope(event, payload)
	if err != nil {
		log.Printf("CONN: marshal %s: %v", event, err)
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout()))
	if err := ws.WriteJSON(env); err != nil {
		log.Printf("CONN: write %s: %v", event, err)
		return false
	}
	return true
}

// On registers a handler for one event name and returns its disposer.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.handlerMu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][id] = h
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		delete(m.handlers[event], id)
		m.handlerMu.Unlock()
	}
}

// OnState registers a state-transition listener and returns its disposer.
func (m *Manager) OnState(fn StateListener) (off func()) {
	m.stateMu.Lock()
	id := m.nextStateID
	m.nextStateID++
	m.stateListeners[id] = fn
	m.stateMu.Unlock()

	return func() {
		m.stateMu.Lock()
		delete(m.stateListeners, id)
		m.stateMu.Unlock()
	}
}

func (m *Manager) notifyState(old, new State) {
	m.stateMu.RLock()
	listeners := make([]StateListener, 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.stateMu.RUnlock()
	for _, fn := range listeners {
		fn(old, new)
	}
}

// dial performs one connection attempt for generation gen.
func (m *Manager) dial(gen int) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)

	ws, resp, err := m.dialer.Dial(m.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Printf("CONN: dial %s: %v", m.url, err)
		m.scheduleReconnect(gen)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	m.ws = ws
	m.attempts = 0
	old := m.state
	m.state = Connected
	pending := m.pending
	m.mu.Unlock()

	log.Printf("CONN: connected to %s as %s", m.url, sess.UserID)
	m.notifyState(old, Connected)

	go m.readLoop(ws, gen)
	go m.heartbeatLoop(gen)

	// Presence first, then the queued backlog in FIFO order. Each frame is
	// acknowledged only after its write succeeded, so a transport failure
	// mid-flush leaves the rest queued.
	m.Emit(proto.EventUserConnected, proto.UserConnected{UserID: sess.UserID})
	if pending != nil {
		for _, f := range pending.PendingFrames() {
			if !m.Emit(f.Env.Event, f.Env.Data) {
				break
			}
			pending.Ack(f.ID)
		}
	}
}

// readLoop reads envelopes and dispatches them in arrival order until the
// transport fails or is closed.
func (m *Manager) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleReadError(gen, err)
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("CONN: bad frame: %v", err)
			continue
		}
		if env.Event == "" {
			continue
		}
		m.dispatch(&env)
	}
}

func (m *Manager) dispatch(env *proto.Envelope) {
	m.handlerMu.RLock()
	hs := make([]Handler, 0, len(m.handlers[env.Event]))
	for _, h := range m.handlers[env.Event] {
		hs = append(hs, h)
	}
	m.handlerMu.RUnlock()

	for _, h := range hs {
		h(env.Data)
	}
}

// reconnectable reports whether a read error matches the allow-list of
// abnormal close reasons that warrant automatic reconnection.
func reconnectable(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return false
	}
	// Server-initiated disconnect, transport-level close, keep-alive timeout.
	if websocket.IsCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
		websocket.CloseServiceRestart) {
		return true
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		// Any other close code is the server telling us to stop.
		return false
	}
	// Raw transport-level failures surface as plain errors from ReadMessage.
	return true
}

func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state == Disconnected {
		// Deliberate disconnect already handled.
		m.mu.Unlock()
		return
	}
	m.gen++
	gen = m.gen
	if m.ws != nil {
		_ = m.ws.Close()
		m.ws = nil
	}
	m.mu.Unlock()

	if !reconnectable(err) {
		log.Printf("CONN: closed by server: %v", err)
		m.mu.Lock()
		old := m.state
		m.state = Disconnected
		m.mu.Unlock()
		m.notifyState(old, Disconnected)
		return
	}

	log.Printf("CONN: transport lost: %v", err)
	m.scheduleReconnect(gen)
}

// backoffDelay computes the delay before reconnect attempt n (1-based):
// base doubling per attempt, capped.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// scheduleReconnect arms the next attempt, or transitions to Error once the
// attempt cap is exhausted. From Error no further attempt is made until the
// caller explicitly calls Connect again.
func (m *Manager) scheduleReconnect(gen int) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	old := m.state

	if attempt > m.cfg.ReconnectMaxAttempts {
		m.state = Error
		m.mu.Unlock()
		log.Printf("CONN: giving up after %d attempts", m.cfg.ReconnectMaxAttempts)
		m.notifyState(old, Error)
		return
	}

	m.state = Reconnecting
	delay := backoffDelay(attempt, m.cfg.ReconnectBase(), m.cfg.ReconnectCap())
	m.retry = time.AfterFunc(delay, func() { m.dial(gen) })
	m.mu.Unlock()

	if old != Reconnecting {
		m.notifyState(old, Reconnecting)
	}
	log.Printf("CONN: reconnect attempt %d/%d in %s", attempt, m.cfg.ReconnectMaxAttempts, delay)
}

// heartbeatLoop emits a periodic keep-alive while the transport stays
// connected. The loop cancels itself instead of emitting once the state for
// its generation is gone.
func (m *Manager) heartbeatLoop(gen int) {
	ticker := time.NewTicker(m.cfg.Heartbeat())
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		alive := m.gen == gen && m.state == Connected
		userID := m.sess.UserID
		m.mu.Unlock()
		if !alive {
			return
		}
		m.Emit(proto.EventHeartbeat, proto.Heartbeat{
			UserID:    userID,
			Timestamp: proto.NowMillis(),
		})
	}
}

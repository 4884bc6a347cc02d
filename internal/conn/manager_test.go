package conn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/proto"
	"github.com/mbroersen/parley/internal/session"
)

func testRealtimeConfig() config.Realtime {
	return config.Realtime{
		HeartbeatSec:         25,
		ReconnectMaxAttempts: 3,
		ReconnectBaseMs:      10,
		ReconnectMaxDelaySec: 1,
		WriteTimeoutSec:      2,
	}
}

func testSession() session.Session {
	return session.Session{UserID: "u-local", DisplayName: "Local", Token: "tok-1"}
}

// newWSServer starts a websocket echo point whose handler receives each
// upgraded connection.
func newWSServer(t *testing.T, onConn func(ws *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(ws, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{Reconnecting, "reconnecting"},
		{Error, "error"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt, base, cap)
		if d < prev {
			t.Fatalf("attempt %d: delay %s decreased from %s", attempt, d, prev)
		}
		if d > cap {
			t.Fatalf("attempt %d: delay %s exceeds cap %s", attempt, d, cap)
		}
		prev = d
	}

	if got := backoffDelay(1, base, cap); got != base {
		t.Fatalf("first attempt should use base delay, got %s", got)
	}
	if got := backoffDelay(2, base, cap); got != 2*base {
		t.Fatalf("second attempt should double, got %s", got)
	}
	if got := backoffDelay(10, base, cap); got != cap {
		t.Fatalf("late attempts should hit the cap, got %s", got)
	}
}

func TestEmitWhenDisconnected(t *testing.T) {
	m := New("ws://127.0.0.1:1/rt", testRealtimeConfig())
	if m.Emit("send_message", map[string]string{"content": "hi"}) {
		t.Fatal("Emit succeeded without a connection")
	}
}

func TestConnectAnnouncesPresenceAndDispatches(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	received := make([]proto.Envelope, 0)

	srv := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()

		// Collect the presence announcement, then push one inbound event.
		var env proto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		mu.Lock()
		received = append(received, env)
		mu.Unlock()

		out, _ := proto.NewEnvelope(proto.EventUserStatus, proto.UserStatus{
			UserID: "u-remote", Status: proto.StatusOnline,
		})
		_ = ws.WriteJSON(out)

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := New(wsURL(srv), testRealtimeConfig())

	var statusMu sync.Mutex
	var status proto.UserStatus
	off := m.On(proto.EventUserStatus, func(data json.RawMessage) {
		statusMu.Lock()
		defer statusMu.Unlock()
		_ = json.Unmarshal(data, &status)
	})
	defer off()

	m.Connect(testSession())
	waitFor(t, func() bool { return m.State() == Connected }, "never reached Connected")
	waitFor(t, func() bool {
		statusMu.Lock()
		defer statusMu.Unlock()
		return status.UserID == "u-remote"
	}, "inbound user_status never dispatched")

	mu.Lock()
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("handshake credential = %q", gotAuth)
	}
	if len(received) != 1 || received[0].Event != proto.EventUserConnected {
		t.Fatalf("first frame should announce presence, got %+v", received)
	}
	mu.Unlock()

	m.Disconnect()
	if m.State() != Disconnected {
		t.Fatalf("state after Disconnect = %s", m.State())
	}
	// Second Disconnect must be a no-op.
	m.Disconnect()
}

func TestConnectIdempotent(t *testing.T) {
	upgrades := 0
	var mu sync.Mutex
	srv := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		mu.Lock()
		upgrades++
		mu.Unlock()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := New(wsURL(srv), testRealtimeConfig())
	defer m.Disconnect()

	m.Connect(testSession())
	waitFor(t, func() bool { return m.State() == Connected }, "never reached Connected")
	m.Connect(testSession())
	m.Connect(testSession())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if upgrades != 1 {
		t.Fatalf("expected a single transport, got %d upgrades", upgrades)
	}
}

type fakePending struct {
	mu     sync.Mutex
	frames []PendingFrame
	acked  []string
	onAck  func(id string)
}

func newFakePending(ids ...string) *fakePending {
	f := &fakePending{}
	for _, id := range ids {
		env, _ := proto.NewEnvelope(proto.EventSendMessage, proto.ChatMessage{LocalID: id})
		f.frames = append(f.frames, PendingFrame{ID: id, Env: *env})
	}
	return f
}

func (f *fakePending) PendingFrames() []PendingFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PendingFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakePending) Ack(id string) {
	f.mu.Lock()
	f.acked = append(f.acked, id)
	for i, fr := range f.frames {
		if fr.ID == id {
			f.frames = append(f.frames[:i], f.frames[i+1:]...)
			break
		}
	}
	onAck := f.onAck
	f.mu.Unlock()
	if onAck != nil {
		onAck(id)
	}
}

func (f *fakePending) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakePending) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestPendingFlushedInOrder(t *testing.T) {
	var mu sync.Mutex
	var events []string

	srv := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		for {
			var env proto.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			mu.Lock()
			events = append(events, env.Event)
			mu.Unlock()
		}
	})

	pending := newFakePending("m1", "m2", "m3")

	m := New(wsURL(srv), testRealtimeConfig())
	m.SetPendingSource(pending)
	defer m.Disconnect()

	m.Connect(testSession())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, "queued frames never flushed")

	mu.Lock()
	want := []string{
		proto.EventUserConnected,
		proto.EventSendMessage,
		proto.EventSendMessage,
		proto.EventSendMessage,
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("flush order = %v, want %v", events, want)
		}
	}
	mu.Unlock()

	acked := pending.ackedIDs()
	if len(acked) != 3 || acked[0] != "m1" || acked[1] != "m2" || acked[2] != "m3" {
		t.Fatalf("ack order = %v", acked)
	}
	if pending.remaining() != 0 {
		t.Fatalf("%d frames still queued after full flush", pending.remaining())
	}
}

func TestInterruptedFlushKeepsUnsentFrames(t *testing.T) {
	var mu sync.Mutex
	perConn := make([][]string, 0)

	srv := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		mu.Lock()
		perConn = append(perConn, nil)
		idx := len(perConn) - 1
		mu.Unlock()
		for {
			var env proto.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			label := env.Event
			if env.Event == proto.EventSendMessage {
				var cm proto.ChatMessage
				_ = json.Unmarshal(env.Data, &cm)
				label = cm.LocalID
			}
			mu.Lock()
			perConn[idx] = append(perConn[idx], label)
			mu.Unlock()
		}
	})

	pending := newFakePending("m1", "m2", "m3")
	m := New(wsURL(srv), testRealtimeConfig())
	m.SetPendingSource(pending)
	defer m.Disconnect()

	// Kill the transport as soon as the first frame is through. The flush
	// loop must stop acknowledging and leave the rest queued.
	pending.onAck = func(id string) {
		if id == "m1" {
			m.Disconnect()
		}
	}

	m.Connect(testSession())
	waitFor(t, func() bool { return m.State() == Disconnected && pending.remaining() == 2 },
		"flush did not stop at the dropped transport")

	if acked := pending.ackedIDs(); len(acked) != 1 || acked[0] != "m1" {
		t.Fatalf("acked = %v, want only m1", acked)
	}

	// The survivors go out in order on the next connect, m1 is not resent.
	pending.onAck = nil
	m.Connect(testSession())
	waitFor(t, func() bool { return pending.remaining() == 0 }, "remaining frames never flushed")

	mu.Lock()
	defer mu.Unlock()
	if len(perConn) < 2 {
		t.Fatalf("expected a second connection, got %d", len(perConn))
	}
	second := perConn[len(perConn)-1]
	want := []string{proto.EventUserConnected, "m2", "m3"}
	if len(second) != len(want) {
		t.Fatalf("second connection frames = %v, want %v", second, want)
	}
	for i := range want {
		if second[i] != want[i] {
			t.Fatalf("second connection frames = %v, want %v", second, want)
		}
	}
}

func TestReconnectStopsAtAttemptCap(t *testing.T) {
	// Dial an address nothing listens on.
	m := New("ws://127.0.0.1:1/rt", testRealtimeConfig())

	var mu sync.Mutex
	var states []State
	off := m.OnState(func(old, new State) {
		mu.Lock()
		states = append(states, new)
		mu.Unlock()
	})
	defer off()

	m.Connect(testSession())
	waitFor(t, func() bool { return m.State() == Error }, "never reached Error")

	if got := m.Attempts(); got <= testRealtimeConfig().ReconnectMaxAttempts {
		t.Fatalf("attempt counter = %d, expected cap exceeded", got)
	}

	// No further attempts without an explicit Connect.
	time.Sleep(100 * time.Millisecond)
	if m.State() != Error {
		t.Fatalf("state left Error without Connect: %s", m.State())
	}

	mu.Lock()
	sawReconnecting := false
	for _, s := range states {
		if s == Reconnecting {
			sawReconnecting = true
		}
	}
	mu.Unlock()
	if !sawReconnecting {
		t.Fatal("state listeners never observed Reconnecting")
	}
}

func TestServerCloseTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	srv := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			// Abnormal close: drop the TCP connection without a close frame.
			ws.Close()
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := New(wsURL(srv), testRealtimeConfig())
	defer m.Disconnect()

	m.Connect(testSession())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2 && m.State() == Connected
	}, "never reconnected after abnormal close")
}

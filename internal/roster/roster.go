// Package roster tracks the contact list and its presence, fed by the
// user directory and live user_status events.
package roster

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mbroersen/parley/internal/conn"
	"github.com/mbroersen/parley/internal/proto"
)

// Peer is one contact as the roster currently knows it.
type Peer struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen"`
}

// PeerEvent notifies subscribers of a roster change.
type PeerEvent struct {
	Type   string `json:"type"` // "update" or "remove"
	PeerID string `json:"peerId"`
	Peer   *Peer  `json:"peer,omitempty"`
}

// Table is the concurrent roster. Subscribers get best-effort events; a
// slow subscriber misses updates rather than blocking the table.
type Table struct {
	mu        sync.Mutex
	peers     map[string]Peer
	listeners []chan PeerEvent
}

func NewTable() *Table {
	return &Table{peers: map[string]Peer{}}
}

// Subscription surface of the connection manager.
type eventSource interface {
	On(event string, h conn.Handler) (off func())
}

// Bind subscribes the table to user_status events. The returned disposer
// detaches it again.
func (t *Table) Bind(src eventSource) (off func()) {
	return src.On(proto.EventUserStatus, func(data json.RawMessage) {
		var in proto.UserStatus
		if err := json.Unmarshal(data, &in); err != nil {
			log.Printf("ROSTER: bad user_status: %v", err)
			return
		}
		switch in.Status {
		case proto.StatusOnline:
			t.MarkOnline(in.UserID)
		case proto.StatusOffline:
			t.MarkOffline(in.UserID)
		}
	})
}

// Seed adds a contact from the directory without marking it online. An
// already known peer keeps its live state.
func (t *Table) Seed(id, displayName, avatarURL string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	p := Peer{UserID: id, DisplayName: displayName, AvatarURL: avatarURL, Online: online}
	if online {
		p.LastSeen = time.Now()
	}
	t.peers[id] = p
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &p})
}

// MarkOnline flips a peer to online, creating a bare entry for a userID the
// directory has not supplied yet.
func (t *Table) MarkOnline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peers[id]
	wasOnline := p.Online
	p.UserID = id
	p.Online = true
	p.LastSeen = time.Now()
	t.peers[id] = p
	if !wasOnline {
		t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &p})
	}
}

// MarkOffline flips a known peer to offline. Unknown peers are ignored.
func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok || !p.Online {
		return
	}
	p.Online = false
	p.LastSeen = time.Now()
	t.peers[id] = p
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &p})
}

// MarkAllOffline downgrades every peer, used when the realtime connection
// is lost and presence can no longer be trusted.
func (t *Table) MarkAllOffline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if !p.Online {
			continue
		}
		p.Online = false
		p.LastSeen = time.Now()
		t.peers[id] = p
		t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &p})
	}
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

func (t *Table) Get(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *Table) Snapshot() map[string]Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Peer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

func (t *Table) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

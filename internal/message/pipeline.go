package message

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/conn"
	"github.com/mbroersen/parley/internal/history"
	"github.com/mbroersen/parley/internal/proto"
	"github.com/mbroersen/parley/internal/session"
	"github.com/mbroersen/parley/internal/util"
)

// Validation failures surfaced inline, before any network activity.
var (
	ErrEmptyContent = errors.New("message: content is empty")
	ErrTooLong      = errors.New("message: content exceeds maximum length")
	ErrNotFailed    = errors.New("message: only failed messages can be resent")
)

// Emitter is the slice of the connection manager the pipeline needs.
type Emitter interface {
	Emit(event string, payload any) bool
	On(event string, h conn.Handler) (off func())
}

// Store issues the durable write for each sent message.
type Store interface {
	SaveMessage(ctx context.Context, msg history.CreateMessage) (*history.MessageRecord, error)
}

// EventType tags pipeline notifications to the UI collaborator.
type EventType string

const (
	EventAppend  EventType = "append"  // a message became visible
	EventUpdate  EventType = "update"  // status or serverId changed
	EventSummary EventType = "summary" // a chat summary changed
)

// Event is one UI notification. Message and Summary are snapshots, safe to
// read after delivery.
type Event struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chatId"`
	Message *Message  `json:"message,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
}

// Pipeline owns the visible message lists and their reconciliation.
type Pipeline struct {
	emitter Emitter
	store   Store
	self    session.Session
	cfg     config.Chat

	mu       sync.Mutex
	chats    map[string]*util.RingBuffer[*Message]
	byLocal  map[string]*Message
	byServer map[string]*Message
	openChat string

	pending   *PendingQueue
	summaries *summaryTable
	typingOut *typingSender
	typingIn  *typingTracker

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	offs []func()
}

// New wires a pipeline to the connection manager and the history store and
// starts listening for reconciliation events immediately.
func New(emitter Emitter, store Store, self session.Session, cfg config.Chat) *Pipeline {
	p := &Pipeline{
		emitter:   emitter,
		store:     store,
		self:      self,
		cfg:       cfg,
		chats:     make(map[string]*util.RingBuffer[*Message]),
		byLocal:   make(map[string]*Message),
		byServer:  make(map[string]*Message),
		pending:   NewPendingQueue(),
		summaries: newSummaryTable(),
		typingOut: newTypingSender(emitter.Emit, cfg.TypingQuiet()),
		typingIn:  newTypingTracker(),
		listeners: make(map[chan Event]struct{}),
	}

	p.offs = append(p.offs,
		emitter.On(proto.EventMessageDelivered, p.onDelivered),
		emitter.On(proto.EventReceiveMessage, p.onReceive),
		emitter.On(proto.EventTypingIndicator, p.onTypingIndicator),
	)
	return p
}

// Pending exposes the queue for the connection manager to drain on
// (re)connect. Nothing else reads it.
func (p *Pipeline) Pending() *PendingQueue { return p.pending }

// Send validates content, makes it visible immediately with status Sending,
// transmits it if connected (queueing otherwise), and issues the durable
// write in the background.
func (p *Pipeline) Send(chatID, recipientID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > p.cfg.MaxMessageLen {
		return nil, ErrTooLong
	}

	msg := newOutbound(p.self.UserID, chatID, recipientID, content)

	p.mu.Lock()
	p.buffer(chatID).Push(msg)
	p.byLocal[msg.LocalID] = msg
	snapshot := *msg
	p.mu.Unlock()

	p.notify(Event{Type: EventAppend, ChatID: chatID, Message: &snapshot})
	s := p.summaries.bump(chatID, &snapshot, false)
	p.notify(Event{Type: EventSummary, ChatID: chatID, Summary: &s})

	if !p.emitter.Emit(proto.EventSendMessage, proto.ChatMessage{
		LocalID:     msg.LocalID,
		ChatID:      msg.ChatID,
		RecipientID: msg.RecipientID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Timestamp:   msg.CreatedAt,
	}) {
		p.pending.Add(msg)
	}

	go p.persist(msg.LocalID, msg.RecipientID, msg.Content)

	return &snapshot, nil
}

// Resend retries a failed message as a fresh send with a new localId.
func (p *Pipeline) Resend(localID string) (*Message, error) {
	p.mu.Lock()
	msg, ok := p.byLocal[localID]
	if !ok || msg.Status != StatusFailed {
		p.mu.Unlock()
		return nil, ErrNotFailed
	}
	chatID, recipientID, content := msg.ChatID, msg.RecipientID, msg.Content
	p.mu.Unlock()

	return p.Send(chatID, recipientID, content)
}

// TypingPulse reports one local keystroke in a chat.
func (p *Pipeline) TypingPulse(chatID, recipientID string) {
	p.typingOut.pulse(chatID, recipientID)
}

// IsPeerTyping reports whether userID is currently typing.
func (p *Pipeline) IsPeerTyping(userID string) bool {
	return p.typingIn.isTyping(userID)
}

// SetOpenChat marks the chat whose message list is on screen; its unread
// counter resets.
func (p *Pipeline) SetOpenChat(chatID string) {
	p.mu.Lock()
	p.openChat = chatID
	p.mu.Unlock()

	p.summaries.clearUnread(chatID)
	if s, ok := p.summaries.get(chatID); ok {
		p.notify(Event{Type: EventSummary, ChatID: chatID, Summary: &s})
	}
}

// Messages returns a snapshot of one chat's visible list, oldest first.
func (p *Pipeline) Messages(chatID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.chats[chatID]
	if !ok {
		return nil
	}
	ptrs := buf.Snapshot()
	out := make([]Message, len(ptrs))
	for i, m := range ptrs {
		out[i] = *m
	}
	return out
}

// Summaries returns a snapshot of every chat summary.
func (p *Pipeline) Summaries() []Summary { return p.summaries.snapshot() }

// Subscribe returns a channel of pipeline events and its disposer.
func (p *Pipeline) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	p.listenerMu.Lock()
	p.listeners[ch] = struct{}{}
	p.listenerMu.Unlock()

	cancel = func() {
		p.listenerMu.Lock()
		if _, ok := p.listeners[ch]; ok {
			delete(p.listeners, ch)
			close(ch)
		}
		p.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close deregisters all event handlers and stops typing timers.
func (p *Pipeline) Close() {
	for _, off := range p.offs {
		off()
	}
	p.offs = nil
	p.typingOut.stop()
	p.typingIn.stop()

	p.listenerMu.Lock()
	for ch := range p.listeners {
		close(ch)
	}
	p.listeners = make(map[chan Event]struct{})
	p.listenerMu.Unlock()
}

// buffer returns the chat's ring buffer, creating it on first use.
// Caller holds p.mu.
func (p *Pipeline) buffer(chatID string) *util.RingBuffer[*Message] {
	buf, ok := p.chats[chatID]
	if !ok {
		buf = util.NewRingBuffer[*Message](p.cfg.BufferSize)
		p.chats[chatID] = buf
	}
	return buf
}

// persist issues the durable write. Failure marks the message Failed; there
// is no automatic retry; resending is a user action with a new localId.
func (p *Pipeline) persist(localID, recipientID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rec, err := p.store.SaveMessage(ctx, history.CreateMessage{
		Recipient: recipientID,
		Content:   content,
		MessageID: localID,
	})
	if err != nil {
		log.Printf("MSG: durable write for %s failed: %v", localID, err)
		p.markFailed(localID)
		return
	}
	p.reconcileDurable(rec)
}

func (p *Pipeline) markFailed(localID string) {
	p.mu.Lock()
	msg, ok := p.byLocal[localID]
	if !ok || msg.Status != StatusSending {
		// Already reconciled past Sending; the realtime path won the race.
		p.mu.Unlock()
		return
	}
	msg.Status = StatusFailed
	snapshot := *msg
	p.mu.Unlock()

	p.pending.Remove(localID)
	p.notify(Event{Type: EventUpdate, ChatID: snapshot.ChatID, Message: &snapshot})
}

// reconcileDurable matches the stored record to the pending message by
// localId. Idempotent: a repeated confirmation changes nothing.
func (p *Pipeline) reconcileDurable(rec *history.MessageRecord) {
	p.mu.Lock()
	msg, ok := p.byLocal[rec.MessageID]
	if !ok {
		p.mu.Unlock()
		return
	}
	changed := false
	if msg.ServerID == "" && rec.ID != "" {
		msg.ServerID = rec.ID
		p.byServer[rec.ID] = msg
		changed = true
	}
	if advance(msg, StatusSent) {
		changed = true
	}
	snapshot := *msg
	p.mu.Unlock()

	if changed {
		p.notify(Event{Type: EventUpdate, ChatID: snapshot.ChatID, Message: &snapshot})
	}
}

// advance moves msg's status forward; backwards or equal moves and any move
// off Failed are refused. Caller holds p.mu.
func advance(msg *Message, to Status) bool {
	if msg.Status == StatusFailed {
		return false
	}
	if to.rank() <= msg.Status.rank() {
		return false
	}
	msg.Status = to
	return true
}

func (p *Pipeline) onDelivered(data json.RawMessage) {
	var in proto.MessageDelivered
	if err := json.Unmarshal(data, &in); err != nil {
		log.Printf("MSG: bad message_delivered: %v", err)
		return
	}

	to := Status(in.Status)
	if to.rank() < 0 {
		return
	}

	p.mu.Lock()
	msg, ok := p.byLocal[in.LocalID]
	if !ok {
		// Unknown localIds are expected (other devices, stale echoes).
		p.mu.Unlock()
		return
	}
	changed := advance(msg, to)
	snapshot := *msg
	p.mu.Unlock()

	if changed {
		p.notify(Event{Type: EventUpdate, ChatID: snapshot.ChatID, Message: &snapshot})
	}
}

func (p *Pipeline) onReceive(data json.RawMessage) {
	var in proto.ChatMessage
	if err := json.Unmarshal(data, &in); err != nil {
		log.Printf("MSG: bad receive_message: %v", err)
		return
	}

	p.mu.Lock()
	// Duplicate suppression: localId first, then serverId.
	if in.LocalID != "" {
		if _, dup := p.byLocal[in.LocalID]; dup {
			p.mu.Unlock()
			return
		}
	}
	if in.ServerID != "" {
		if _, dup := p.byServer[in.ServerID]; dup {
			p.mu.Unlock()
			return
		}
	}

	msg := &Message{
		LocalID:     in.LocalID,
		ServerID:    in.ServerID,
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		CreatedAt:   in.Timestamp,
		Status:      StatusDelivered,
	}
	p.buffer(in.ChatID).Push(msg)
	if msg.LocalID != "" {
		p.byLocal[msg.LocalID] = msg
	}
	if msg.ServerID != "" {
		p.byServer[msg.ServerID] = msg
	}
	open := p.openChat == in.ChatID
	snapshot := *msg
	p.mu.Unlock()

	// A message for another chat touches only that chat's summary, never the
	// open message list.
	s := p.summaries.bump(in.ChatID, &snapshot, !open)
	if open {
		p.notify(Event{Type: EventAppend, ChatID: in.ChatID, Message: &snapshot})
	}
	p.notify(Event{Type: EventSummary, ChatID: in.ChatID, Summary: &s})
}

func (p *Pipeline) onTypingIndicator(data json.RawMessage) {
	var in proto.TypingIndicator
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	p.typingIn.set(in.UserID, in.IsTyping)
}

func (p *Pipeline) notify(ev Event) {
	p.listenerMu.RLock()
	for ch := range p.listeners {
		select {
		case ch <- ev:
		default:
			// Listener buffer full, skip.
		}
	}
	p.listenerMu.RUnlock()
}

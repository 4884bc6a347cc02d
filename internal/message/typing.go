package message

import (
	"sync"
	"time"

	"github.com/mbroersen/parley/internal/proto"
)

// typingExpiry bounds how long a peer stays "typing" if the ending
// indicator is lost in transit.
const typingExpiry = 5 * time.Second

// typingSender implements the outbound debounce: typing_start once per
// window, typing_end after a quiet period with no further input. Both events
// are best-effort: no acknowledgment, no retry.
type typingSender struct {
	emit  func(event string, payload any) bool
	quiet time.Duration

	mu     sync.Mutex
	active map[string]*time.Timer // chatID → quiet-period timer
}

func newTypingSender(emit func(string, any) bool, quiet time.Duration) *typingSender {
	return &typingSender{
		emit:   emit,
		quiet:  quiet,
		active: make(map[string]*time.Timer),
	}
}

// pulse is called on every local keystroke.
func (s *typingSender) pulse(chatID, recipientID string) {
	payload := proto.Typing{ChatID: chatID, RecipientID: recipientID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.active[chatID]; ok {
		// Still inside the window: just push the quiet deadline out.
		timer.Reset(s.quiet)
		return
	}
	s.emit(proto.EventTypingStart, payload)
	s.active[chatID] = time.AfterFunc(s.quiet, func() {
		s.mu.Lock()
		delete(s.active, chatID)
		s.mu.Unlock()
		s.emit(proto.EventTypingEnd, payload)
	})
}

// stop cancels all quiet-period timers without emitting typing_end.
func (s *typingSender) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID, timer := range s.active {
		timer.Stop()
		delete(s.active, chatID)
	}
}

// typingTracker follows inbound typing_indicator events per user.
type typingTracker struct {
	mu     sync.Mutex
	typing map[string]*time.Timer // userID → expiry timer
}

func newTypingTracker() *typingTracker {
	return &typingTracker{typing: make(map[string]*time.Timer)}
}

func (t *typingTracker) set(userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.typing[userID]; ok {
		timer.Stop()
		delete(t.typing, userID)
	}
	if !isTyping {
		return
	}
	t.typing[userID] = time.AfterFunc(typingExpiry, func() {
		t.mu.Lock()
		delete(t.typing, userID)
		t.mu.Unlock()
	})
}

func (t *typingTracker) isTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

func (t *typingTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, timer := range t.typing {
		timer.Stop()
		delete(t.typing, userID)
	}
}

package message

import "sync"

// Summary is the per-chat digest shown in the chat list: the last message
// and how many arrived while the chat was not open.
type Summary struct {
	ChatID      string   `json:"chatId"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	Unread      int      `json:"unread"`
}

// summaryTable tracks summaries for every chat the pipeline has seen.
type summaryTable struct {
	mu   sync.Mutex
	byID map[string]*Summary
}

func newSummaryTable() *summaryTable {
	return &summaryTable{byID: make(map[string]*Summary)}
}

// bump records msg as the chat's latest and optionally counts it unread.
func (t *summaryTable) bump(chatID string, msg *Message, unread bool) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[chatID]
	if !ok {
		s = &Summary{ChatID: chatID}
		t.byID[chatID] = s
	}
	s.LastMessage = msg
	if unread {
		s.Unread++
	}
	return *s
}

// clearUnread resets the unread counter, typically when the chat opens.
func (t *summaryTable) clearUnread(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byID[chatID]; ok {
		s.Unread = 0
	}
}

// get returns a copy of the chat's summary.
func (t *summaryTable) get(chatID string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[chatID]
	if !ok {
		return Summary{}, false
	}
	return *s, true
}

// snapshot returns copies of all summaries.
func (t *summaryTable) snapshot() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Summary, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, *s)
	}
	return out
}

package message

import (
	"sync"

	"github.com/mbroersen/parley/internal/conn"
	"github.com/mbroersen/parley/internal/proto"
)

// PendingQueue holds messages sent while the transport was down, keyed by
// localId and flushed in insertion order. The pipeline is the only writer;
// the connection manager reads it after each successful (re)connect and
// acknowledges each frame it managed to transmit.
type PendingQueue struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Message
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{byID: make(map[string]*Message)}
}

// Add enqueues msg. A localId already present keeps its original position.
func (q *PendingQueue) Add(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[msg.LocalID]; ok {
		return
	}
	q.byID[msg.LocalID] = msg
	q.order = append(q.order, msg.LocalID)
}

// Remove drops a message that permanently failed before it was flushed.
func (q *PendingQueue) Remove(localID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[localID]; !ok {
		return
	}
	delete(q.byID, localID)
	for i, id := range q.order {
		if id == localID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of queued messages.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// PendingFrames returns the queued send_message frames in insertion order
// without removing them. Implements the connection manager's PendingSource;
// a message leaves the queue only through Ack or Remove, so frames the flush
// never reached are retried on the next reconnect.
func (q *PendingQueue) PendingFrames() []conn.PendingFrame {
	q.mu.Lock()
	msgs := make([]*Message, 0, len(q.order))
	for _, id := range q.order {
		if msg, ok := q.byID[id]; ok {
			msgs = append(msgs, msg)
		}
	}
	q.mu.Unlock()

	out := make([]conn.PendingFrame, 0, len(msgs))
	for _, msg := range msgs {
		env, err := proto.NewEnvelope(proto.EventSendMessage, proto.ChatMessage{
			LocalID:     msg.LocalID,
			ChatID:      msg.ChatID,
			RecipientID: msg.RecipientID,
			SenderID:    msg.SenderID,
			Content:     msg.Content,
			Timestamp:   msg.CreatedAt,
		})
		if err != nil {
			continue
		}
		out = append(out, conn.PendingFrame{ID: msg.LocalID, Env: *env})
	}
	return out
}

// Ack drops a message whose frame the connection manager has transmitted.
func (q *PendingQueue) Ack(localID string) {
	q.Remove(localID)
}

// Package message turns a user's send intent into an optimistic local
// record, transmits it over the realtime connection, and reconciles the
// record with what the server and peer later confirm.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a visible message. The non-failed values
// form a total order; reconciliation only ever moves a message forward, which
// makes delivery events and durable-write responses commutative.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank places the ordered statuses on a line. Failed is outside the order:
// it is terminal and only reachable from Sending.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Message is one entry of a chat's visible list. LocalID is the stable
// client-generated identity; ServerID arrives with the durable-write
// response and stays empty until then.
type Message struct {
	LocalID     string `json:"localId"`
	ServerID    string `json:"serverId,omitempty"`
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"`
	Status      Status `json:"status"`
}

// newOutbound builds the optimistic record for a local send.
func newOutbound(selfID, chatID, recipientID, content string) *Message {
	return &Message{
		LocalID:     uuid.New().String(),
		ChatID:      chatID,
		SenderID:    selfID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now().UnixMilli(),
		Status:      StatusSending,
	}
}

// Package proto defines the realtime event surface shared by the connection
// manager, the message pipeline and the call engine. Every frame on the wire
// is an Envelope carrying one of the event payloads below.
package proto

import (
	"encoding/json"
	"time"
)

// Event names, client → server unless noted.
const (
	EventUserConnected    = "user_connected"
	EventSendMessage      = "send_message"
	EventReceiveMessage   = "receive_message" // inbound
	EventMessageDelivered = "message_delivered"
	EventTypingStart      = "typing_start"
	EventTypingEnd        = "typing_end"
	EventTypingIndicator  = "typing_indicator" // inbound
	EventUserStatus       = "user_status"      // inbound
	EventCallOffer        = "call_offer"
	EventCallAccepted     = "call_accepted"
	EventCallRejected     = "call_rejected"
	EventCallEnded        = "call_ended"
	EventIceCandidate     = "ice_candidate"
	EventHeartbeat        = "heartbeat"
)

// Envelope is one websocket text frame: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// UserConnected announces presence after every successful (re)connect.
type UserConnected struct {
	UserID string `json:"userId"`
}

// ChatMessage is the payload of send_message and receive_message.
type ChatMessage struct {
	LocalID     string `json:"localId"`
	ServerID    string `json:"serverId,omitempty"`
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId,omitempty"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// MessageDelivered reports a delivery-status change for a known localId.
type MessageDelivered struct {
	LocalID string `json:"localId"`
	Status  string `json:"status"`
}

// Typing is the payload of typing_start and typing_end.
type Typing struct {
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId"`
}

// TypingIndicator is the inbound per-user typing notification.
type TypingIndicator struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// User status values carried by user_status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserStatus is the inbound presence notification.
type UserStatus struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// CallOffer carries an SDP offer to the target user. Offer is the JSON
// encoding of a session description; the call engine owns its exact shape.
type CallOffer struct {
	To         string          `json:"to"`
	From       string          `json:"from"`
	Offer      json.RawMessage `json:"offer"`
	CallerName string          `json:"callerName,omitempty"`
}

// CallAccepted carries the SDP answer back to the caller.
type CallAccepted struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

// CallControl is the payload of call_rejected and call_ended.
type CallControl struct {
	To   string `json:"to"`
	From string `json:"from"`
}

// IceCandidate relays one connectivity candidate between the peers.
type IceCandidate struct {
	To        string          `json:"to"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// Heartbeat is the periodic keep-alive sent while connected.
type Heartbeat struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

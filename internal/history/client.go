// Package history is the client for the durable message store, the HTTP
// collaborator that persists messages, chats and users. The realtime path
// never talks to it directly; the message pipeline issues the durable write
// here in parallel with the websocket emit.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbroersen/parley/internal/util"
)

// Client talks to the history API with a bearer credential per request.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		Token:   token,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// MessageRecord is the canonical stored form of a message. MessageID echoes
// the client-generated id used to reconcile the optimistic local record.
type MessageRecord struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// CreateMessage is the durable-write request body.
type CreateMessage struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

// Chat is one entry of the chat list.
type Chat struct {
	ID          string         `json:"id"`
	PeerID      string         `json:"peerId"`
	LastMessage *MessageRecord `json:"lastMessage,omitempty"`
}

// User is one entry of the user list.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Status      string `json:"status,omitempty"`
}

// do performs one request, drains the response body and decodes JSON into v
// (when v is non-nil). Non-2xx statuses become errors carrying the status.
func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// SaveMessage issues the durable write and returns the stored record.
func (c *Client) SaveMessage(ctx context.Context, msg CreateMessage) (*MessageRecord, error) {
	var rec MessageRecord
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &rec); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &rec, nil
}

// Messages fetches one page of history with the given peer, newest last.
func (c *Client) Messages(ctx context.Context, peerID string, page, limit int) ([]MessageRecord, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out []MessageRecord
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(peerID)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return out, nil
}

// Chats fetches the chat list.
func (c *Client) Chats(ctx context.Context) ([]Chat, error) {
	var out []Chat
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	return out, nil
}

// CreateChat opens (or returns) the chat with peerID.
func (c *Client) CreateChat(ctx context.Context, peerID string) (*Chat, error) {
	var out Chat
	body := map[string]string{"peerId": peerID}
	if err := c.do(ctx, http.MethodPost, "/chats", body, &out); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return &out, nil
}

// Users fetches the user list.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	return out, nil
}

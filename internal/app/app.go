// Package app wires the client together: one connection manager shared by
// the message pipeline, the roster and the call engine, plus the history
// client for durable reads and writes.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/mbroersen/parley/internal/call"
	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/conn"
	"github.com/mbroersen/parley/internal/history"
	"github.com/mbroersen/parley/internal/message"
	"github.com/mbroersen/parley/internal/roster"
	"github.com/mbroersen/parley/internal/session"
)

// Client is the assembled chat client. Components are exported so a UI can
// subscribe to each directly.
type Client struct {
	Cfg  config.Config
	Self session.Session

	Conn     *conn.Manager
	History  *history.Client
	Messages *message.Pipeline
	Roster   *roster.Table
	Calls    *call.Engine

	offs []func()
}

// New builds a client from cfg. The realtime connection is not dialed until
// Connect is called.
func New(cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token, err := cfg.Credential()
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	sess, err := session.New(cfg.Identity.UserID, cfg.Identity.DisplayName, cfg.Identity.AvatarURL, token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Cfg:     cfg,
		Self:    sess,
		History: history.NewClient(cfg.Server.APIURL, token),
		Conn:    conn.New(cfg.Server.RealtimeURL, cfg.Realtime),
		Roster:  roster.NewTable(),
	}
	c.Messages = message.New(c.Conn, c.History, sess, cfg.Chat)
	c.Conn.SetPendingSource(c.Messages.Pending())
	c.Calls = call.NewEngine(c.Conn, sess, cfg.Call)

	c.offs = append(c.offs, c.Roster.Bind(c.Conn))
	// Presence is only trustworthy while connected.
	c.offs = append(c.offs, c.Conn.OnState(func(_, now conn.State) {
		if now == conn.Disconnected || now == conn.Error {
			c.Roster.MarkAllOffline()
		}
	}))
	return c, nil
}

// Connect dials the realtime endpoint and announces presence.
func (c *Client) Connect() {
	c.Conn.Connect(c.Self)
}

// SeedRoster populates the contact list from the user directory.
func (c *Client) SeedRoster(ctx context.Context) error {
	users, err := c.History.Users(ctx)
	if err != nil {
		return fmt.Errorf("seed roster: %w", err)
	}
	for _, u := range users {
		if u.ID == c.Self.UserID {
			continue
		}
		c.Roster.Seed(u.ID, u.DisplayName, u.AvatarURL, u.Status == "online")
	}
	log.Printf("APP: roster seeded with %d users", len(users))
	return nil
}

// LoadHistory fetches a page of stored messages with peerID, oldest first.
func (c *Client) LoadHistory(ctx context.Context, peerID string, page, limit int) ([]history.MessageRecord, error) {
	return c.History.Messages(ctx, peerID, page, limit)
}

// Close releases everything: calls first so hangups can still use the
// connection, then the pipeline, then the transport.
func (c *Client) Close() {
	c.Calls.Close()
	c.Messages.Close()
	for _, off := range c.offs {
		off()
	}
	c.offs = nil
	c.Conn.Disconnect()
}

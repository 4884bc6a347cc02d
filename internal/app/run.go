package app

import (
	"context"
	"log"
	"time"

	"github.com/mbroersen/parley/internal/call"
	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/message"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Run assembles a client, connects it and blocks until ctx is cancelled,
// logging message, presence and call activity. This is the headless mode; a
// UI embeds Client directly instead.
func Run(ctx context.Context, opt Options) error {
	client, err := New(opt.Cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	client.Connect()

	seedCtx, cancelSeed := context.WithTimeout(ctx, 10*time.Second)
	if err := client.SeedRoster(seedCtx); err != nil {
		log.Printf("APP: %v", err)
	}
	cancelSeed()

	if opt.CfgPath != "" {
		stopWatch, err := config.Watch(opt.CfgPath, func(cfg config.Config) {
			// Identity and server changes need a reconnect; log and leave the
			// running components on their current settings.
			log.Printf("APP: config reloaded from %s (takes effect on restart)", opt.CfgPath)
		})
		if err != nil {
			log.Printf("APP: config watch: %v", err)
		} else {
			defer stopWatch()
		}
	}

	client.Calls.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("APP: incoming call %s from %s (%s), rejecting in headless mode", ic.CallID, ic.From, ic.CallerName)
		ic.Reject()
	})

	events, cancelEvents := client.Messages.Subscribe()
	defer cancelEvents()
	peerEvents := client.Roster.Subscribe()
	defer client.Roster.Unsubscribe(peerEvents)

	for {
		select {
		case <-ctx.Done():
			log.Printf("APP: shutting down")
			return nil
		case ev := <-events:
			logMessageEvent(ev)
		case pe := <-peerEvents:
			if pe.Peer != nil {
				log.Printf("APP: peer %s online=%v", pe.PeerID, pe.Peer.Online)
			} else {
				log.Printf("APP: peer %s removed", pe.PeerID)
			}
		}
	}
}

func logMessageEvent(ev message.Event) {
	switch ev.Type {
	case message.EventAppend:
		log.Printf("APP: [%s] %s: %s", ev.ChatID, ev.Message.SenderID, ev.Message.Content)
	case message.EventUpdate:
		log.Printf("APP: [%s] message %s is now %s", ev.ChatID, ev.Message.LocalID, ev.Message.Status)
	case message.EventSummary:
		if ev.Summary != nil && ev.Summary.Unread > 0 {
			log.Printf("APP: [%s] %d unread", ev.ChatID, ev.Summary.Unread)
		}
	}
}

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mbroersen/parley/internal/config"
	"github.com/mbroersen/parley/internal/history"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	cfg.Identity.DisplayName = "Alice"
	cfg.Identity.Token = "tok"
	return cfg
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	if _, err := New(config.Default()); err == nil {
		t.Fatal("default config has no identity, New should fail")
	}
}

func TestNewWiresComponents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in history.CreateMessage
		_ = json.NewDecoder(r.Body).Decode(&in)
		json.NewEncoder(w).Encode(history.MessageRecord{ID: "srv-1", MessageID: in.MessageID})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Server.APIURL = srv.URL
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.Conn == nil || c.Messages == nil || c.Roster == nil || c.Calls == nil || c.History == nil {
		t.Fatal("component missing from assembled client")
	}
	if c.Self.UserID != "alice" || c.Self.Token != "tok" {
		t.Fatalf("session = %+v", c.Self)
	}

	// No transport yet: a send is queued, not transmitted.
	msg, err := c.Messages.Send("chat-1", "bob", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.LocalID == "" {
		t.Fatal("no localId assigned")
	}
	if c.Messages.Pending().Len() != 1 {
		t.Fatalf("pending length = %d, want 1", c.Messages.Pending().Len())
	}
}

func TestSeedRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]history.User{
			{ID: "alice", DisplayName: "Alice"},
			{ID: "bob", DisplayName: "Bob", Status: "online"},
			{ID: "carol", DisplayName: "Carol", Status: "offline"},
		})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Server.APIURL = srv.URL
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.SeedRoster(context.Background()); err != nil {
		t.Fatalf("SeedRoster: %v", err)
	}

	peers := c.Roster.Snapshot()
	if _, ok := peers["alice"]; ok {
		t.Fatal("own user seeded into roster")
	}
	if p, ok := peers["bob"]; !ok || !p.Online {
		t.Fatalf("bob = %+v, want online", p)
	}
	if p, ok := peers["carol"]; !ok || p.Online {
		t.Fatalf("carol = %+v, want offline", p)
	}
}

package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSaveMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth header = %q", got)
		}
		var req CreateMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(MessageRecord{
			ID:        "srv-9",
			MessageID: req.MessageID,
			Recipient: req.Recipient,
			Content:   req.Content,
			Status:    "sent",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	rec, err := c.SaveMessage(context.Background(), CreateMessage{
		Recipient: "u-2", Content: "hello", MessageID: "local-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "srv-9" || rec.MessageID != "local-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSaveMessageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	if _, err := c.SaveMessage(context.Background(), CreateMessage{Recipient: "u-2", Content: "x", MessageID: "l1"}); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestMessagesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/u-2" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("page") != "2" || q.Get("limit") != "50" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]MessageRecord{{ID: "srv-1"}, {ID: "srv-2"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	msgs, err := c.Messages(context.Background(), "u-2", 2, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(msgs))
	}
}

func TestChatsAndUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chats":
			switch r.Method {
			case http.MethodGet:
				json.NewEncoder(w).Encode([]Chat{{ID: "c-1", PeerID: "u-2"}})
			case http.MethodPost:
				var body map[string]string
				json.NewDecoder(r.Body).Decode(&body)
				json.NewEncoder(w).Encode(Chat{ID: "c-new", PeerID: body["peerId"]})
			}
		case "/users":
			json.NewEncoder(w).Encode([]User{{ID: "u-2", DisplayName: "Remote"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")

	chats, err := c.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "c-1" {
		t.Fatalf("unexpected chats: %+v", chats)
	}

	created, err := c.CreateChat(context.Background(), "u-3")
	if err != nil {
		t.Fatal(err)
	}
	if created.PeerID != "u-3" {
		t.Fatalf("unexpected chat: %+v", created)
	}

	users, err := c.Users(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "u-2" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

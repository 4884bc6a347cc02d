package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "u-1"
	cfg.Identity.Token = "secret"
	return cfg
}

func TestDefaultNeedsIdentity(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config validated without an identity")
	}
	cfg = validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Identity.Token = "" }},
		{"bad realtime scheme", func(c *Config) { c.Server.RealtimeURL = "http://x.example" }},
		{"bad api scheme", func(c *Config) { c.Server.APIURL = "ws://x.example" }},
		{"zero heartbeat", func(c *Config) { c.Realtime.HeartbeatSec = 0 }},
		{"zero attempts", func(c *Config) { c.Realtime.ReconnectMaxAttempts = 0 }},
		{"zero max len", func(c *Config) { c.Chat.MaxMessageLen = 0 }},
		{"no ice servers", func(c *Config) { c.Call.ICEServers = nil }},
		{"bad ice scheme", func(c *Config) { c.Call.ICEServers = []string{"https://x"} }},
		{"zero unanswered timeout", func(c *Config) { c.Call.UnansweredTimeoutSec = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.Chat.MaxMessageLen = 500

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Chat.MaxMessageLen != 500 {
		t.Fatalf("expected max_message_len 500, got %d", got.Chat.MaxMessageLen)
	}
	if got.Realtime.HeartbeatSec != cfg.Realtime.HeartbeatSec {
		t.Fatalf("heartbeat changed across round trip: %d", got.Realtime.HeartbeatSec)
	}
}

func TestCredentialFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("tok-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.Identity.TokenFile = path
	tok, err := cfg.Credential()
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-123" {
		t.Fatalf("expected trimmed token from file, got %q", tok)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new config file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
}

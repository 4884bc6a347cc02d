package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mbroersen/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Server   Server   `json:"server"`
	Realtime Realtime `json:"realtime"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`

	// Bearer credential attached to the realtime handshake and to every
	// history request. TokenFile, when set, takes precedence over Token.
	Token     string `json:"token"`
	TokenFile string `json:"token_file"`
}

type Server struct {
	// Websocket endpoint of the realtime gateway, e.g. "wss://chat.example.org/rt".
	RealtimeURL string `json:"realtime_url"`

	// Base URL of the HTTP history API, e.g. "https://chat.example.org/api".
	APIURL string `json:"api_url"`
}

type Realtime struct {
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Reconnection backoff: base delay doubles per attempt up to the delay
	// cap; after max_attempts the manager stops and surfaces Error.
	ReconnectMaxAttempts int `json:"reconnect_max_attempts"`
	ReconnectBaseMs      int `json:"reconnect_base_ms"`
	ReconnectMaxDelaySec int `json:"reconnect_max_delay_seconds"`

	WriteTimeoutSec int `json:"write_timeout_seconds"`
}

type Chat struct {
	MaxMessageLen int `json:"max_message_len"`
	TypingQuietMs int `json:"typing_quiet_ms"`

	// Messages kept in memory per chat.
	BufferSize int `json:"buffer_size"`
}

type Call struct {
	// NAT-traversal servers handed to the peer connection, e.g.
	// "stun:stun.l.google.com:19302" or "turn:turn.example.org:3478".
	ICEServers []string `json:"ice_servers"`

	UnansweredTimeoutSec int `json:"unanswered_timeout_seconds"`

	// Disable video capture (audio-only calls). Mirrors the peer flag
	// announced to remotes.
	VideoDisabled bool `json:"video_disabled"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Server: Server{
			RealtimeURL: "ws://127.0.0.1:8790/rt",
			APIURL:      "http://127.0.0.1:8790/api",
		},
		Realtime: Realtime{
			HeartbeatSec:         25,
			ReconnectMaxAttempts: 5,
			ReconnectBaseMs:      1000,
			ReconnectMaxDelaySec: 30,
			WriteTimeoutSec:      10,
		},
		Chat: Chat{
			MaxMessageLen: 2000,
			TypingQuietMs: 1000,
			BufferSize:    200,
		},
		Call: Call{
			ICEServers:           []string{"stun:stun.l.google.com:19302"},
			UnansweredTimeoutSec: 30,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if c.Identity.Token == "" && c.Identity.TokenFile == "" {
		return errors.New("identity.token or identity.token_file is required")
	}

	// Server
	if err := validateEndpoint(c.Server.RealtimeURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.realtime_url: %w", err)
	}
	if err := validateEndpoint(c.Server.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}

	// Realtime
	if c.Realtime.HeartbeatSec <= 0 {
		return errors.New("realtime.heartbeat_seconds must be > 0")
	}
	if c.Realtime.ReconnectMaxAttempts <= 0 {
		return errors.New("realtime.reconnect_max_attempts must be > 0")
	}
	if c.Realtime.ReconnectBaseMs <= 0 {
		return errors.New("realtime.reconnect_base_ms must be > 0")
	}
	if c.Realtime.ReconnectMaxDelaySec <= 0 {
		return errors.New("realtime.reconnect_max_delay_seconds must be > 0")
	}
	if c.Realtime.WriteTimeoutSec <= 0 {
		return errors.New("realtime.write_timeout_seconds must be > 0")
	}

	// Chat
	if c.Chat.MaxMessageLen <= 0 {
		return errors.New("chat.max_message_len must be > 0")
	}
	if c.Chat.TypingQuietMs <= 0 {
		return errors.New("chat.typing_quiet_ms must be > 0")
	}
	if c.Chat.BufferSize <= 0 {
		return errors.New("chat.buffer_size must be > 0")
	}

	// Call
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must list at least one server")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must be a stun:/turn:/turns: address", s)
		}
	}
	if c.Call.UnansweredTimeoutSec <= 0 {
		return errors.New("call.unanswered_timeout_seconds must be > 0")
	}

	return nil
}

func validateEndpoint(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, "/"))
}

// Credential resolves the bearer token, reading TokenFile when set.
func (c *Config) Credential() (string, error) {
	if c.Identity.TokenFile != "" {
		b, err := os.ReadFile(c.Identity.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return c.Identity.Token, nil
}

// Durations with config units applied.

func (r Realtime) Heartbeat() time.Duration { return time.Duration(r.HeartbeatSec) * time.Second }
func (r Realtime) ReconnectBase() time.Duration {
	return time.Duration(r.ReconnectBaseMs) * time.Millisecond
}
func (r Realtime) ReconnectCap() time.Duration {
	return time.Duration(r.ReconnectMaxDelaySec) * time.Second
}
func (r Realtime) WriteTimeout() time.Duration { return time.Duration(r.WriteTimeoutSec) * time.Second }
func (ch Chat) TypingQuiet() time.Duration     { return time.Duration(ch.TypingQuietMs) * time.Millisecond }
func (cl Call) UnansweredTimeout() time.Duration {
	return time.Duration(cl.UnansweredTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The default config fails validation until
// the identity section is filled in, so Ensure writes it without validating.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

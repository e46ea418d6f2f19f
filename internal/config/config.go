package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all client configuration loaded from environment variables.
// A YAML profile named by CHAT_PROFILE is applied on top (see profile.go).
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	ProfilePath string `envconfig:"CHAT_PROFILE" yaml:"-"`

	// Backend endpoints
	APIURL string `envconfig:"CHAT_API_URL" default:"http://localhost:8000/api" yaml:"api_url"`
	WSURL  string `envconfig:"CHAT_WS_URL" default:"ws://localhost:8000/ws" yaml:"ws_url"`

	// Credentials. The refresh token is optional; without it a 401 is final.
	AccessToken  string `envconfig:"CHAT_ACCESS_TOKEN" yaml:"access_token"`
	RefreshToken string `envconfig:"CHAT_REFRESH_TOKEN" yaml:"refresh_token"`

	// Real-time connection
	HandshakeTimeout     time.Duration `envconfig:"CHAT_HANDSHAKE_TIMEOUT" default:"10s" yaml:"handshake_timeout"`
	ReconnectDelay       time.Duration `envconfig:"CHAT_RECONNECT_DELAY" default:"1s" yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `envconfig:"CHAT_MAX_RECONNECT_ATTEMPTS" default:"5" yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `envconfig:"CHAT_PING_INTERVAL" default:"30s" yaml:"ping_interval"`
	PongTimeout          time.Duration `envconfig:"CHAT_PONG_TIMEOUT" default:"10s" yaml:"pong_timeout"`
	JoinAckTimeout       time.Duration `envconfig:"CHAT_JOIN_ACK_TIMEOUT" default:"2s" yaml:"join_ack_timeout"`
	RejoinTimeout        time.Duration `envconfig:"CHAT_REJOIN_TIMEOUT" default:"10s" yaml:"rejoin_timeout"`

	// SendAckTimeout marks an optimistic user message failed when the server
	// shows no activity for its conversation in time.
	SendAckTimeout time.Duration `envconfig:"CHAT_SEND_ACK_TIMEOUT" default:"30s" yaml:"send_ack_timeout"`
	Stream         bool          `envconfig:"CHAT_STREAM" default:"true" yaml:"stream"`

	// REST
	RequestTimeout time.Duration `envconfig:"CHAT_REQUEST_TIMEOUT" default:"30s" yaml:"request_timeout"`

	// Local history cache. Empty DSN disables the SQLite layer.
	CacheDSN  string `envconfig:"CHAT_CACHE_DSN" yaml:"cache_dsn"`
	CacheSize int    `envconfig:"CHAT_CACHE_SIZE" default:"128" yaml:"cache_size"`

	// CacheMaxAge prunes cached conversations not refreshed for this long.
	CacheMaxAge time.Duration `envconfig:"CHAT_CACHE_MAX_AGE" default:"720h" yaml:"cache_max_age"`

	// Local status server (health, readiness, metrics). Empty disables it.
	StatusAddr string `envconfig:"CHAT_STATUS_ADDR" yaml:"status_addr"`
}

// StatusEnabled returns true if the local status server should run.
func (c *Config) StatusEnabled() bool {
	return c.StatusAddr != ""
}

// CacheEnabled returns true if the SQLite history cache is configured.
func (c *Config) CacheEnabled() bool {
	return c.CacheDSN != ""
}

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL must not be empty")
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("CHAT_WS_URL must use ws:// or wss://, got %q", c.WSURL)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("CHAT_MAX_RECONNECT_ATTEMPTS must be >= 1")
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("CHAT_CACHE_SIZE must be >= 1")
	}
	return nil
}

// Load reads configuration from environment variables, then applies the
// YAML profile if CHAT_PROFILE is set.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %q: %w", prefix, err)
	}
	if cfg.ProfilePath != "" {
		if err := ApplyProfile(&cfg, cfg.ProfilePath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

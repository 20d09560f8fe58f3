// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Layered configuration: defaults, then an optional YAML file, then .env,
// then SYNCPULSE_* environment variables.

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"

	"github.com/momentics/syncpulse-ws/provider"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"SYNCPULSE_LISTEN_ADDR"`
	OpsAddr    string `yaml:"ops_addr" env:"SYNCPULSE_OPS_ADDR"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"SYNCPULSE_HANDSHAKE_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SYNCPULSE_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SYNCPULSE_IDLE_TIMEOUT"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval" env:"SYNCPULSE_BROADCAST_INTERVAL"`
	TickResolution    time.Duration `yaml:"tick_resolution" env:"SYNCPULSE_TICK_RESOLUTION"`
	TCPUserTimeout    time.Duration `yaml:"tcp_user_timeout" env:"SYNCPULSE_TCP_USER_TIMEOUT"`

	MaxFramePayload int64   `yaml:"max_frame_payload" env:"SYNCPULSE_MAX_FRAME_PAYLOAD"`
	MaxClients      int     `yaml:"max_clients" env:"SYNCPULSE_MAX_CLIENTS"`
	SendBacklog     int     `yaml:"send_backlog" env:"SYNCPULSE_SEND_BACKLOG"`
	RateLimit       float64 `yaml:"rate_limit" env:"SYNCPULSE_RATE_LIMIT"`
	RateBurst       int     `yaml:"rate_burst" env:"SYNCPULSE_RATE_BURST"`

	LogLevel  string `yaml:"log_level" env:"SYNCPULSE_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"SYNCPULSE_LOG_FORMAT"`

	Marketplaces             []provider.Marketplace `yaml:"marketplaces"`
	SyncDuration             time.Duration          `yaml:"sync_duration" env:"SYNCPULSE_SYNC_DURATION"`
	ProviderFailureThreshold uint                   `yaml:"provider_failure_threshold" env:"SYNCPULSE_PROVIDER_FAILURE_THRESHOLD"`
	ProviderOpenDelay        time.Duration          `yaml:"provider_open_delay" env:"SYNCPULSE_PROVIDER_OPEN_DELAY"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:               "127.0.0.1:8080",
		OpsAddr:                  "127.0.0.1:9090",
		HandshakeTimeout:         5 * time.Second,
		WriteTimeout:             5 * time.Second,
		BroadcastInterval:        10 * time.Second,
		TickResolution:           time.Second,
		TCPUserTimeout:           30 * time.Second,
		MaxFramePayload:          1 << 20,
		MaxClients:               10000,
		SendBacklog:              64,
		RateLimit:                20,
		RateBurst:                40,
		LogLevel:                 "info",
		LogFormat:                "console",
		Marketplaces:             append([]provider.Marketplace(nil), provider.DefaultMarketplaces...),
		SyncDuration:             2 * time.Second,
		ProviderFailureThreshold: 5,
		ProviderOpenDelay:        30 * time.Second,
	}
}

// LoadConfig builds a Config. path may be empty, in which case only defaults
// and the environment apply. A .env file in the working directory is loaded
// when present; variables already set in the process win over it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Load(&cfg, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Message)
}

// Validate checks the configuration and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, msg string) { errs = append(errs, ValidationError{Field: field, Message: msg}) }

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		bad("listen_addr", "must be host:port")
	}
	if c.OpsAddr != "" {
		if _, _, err := net.SplitHostPort(c.OpsAddr); err != nil {
			bad("ops_addr", "must be host:port or empty")
		}
	}
	if c.HandshakeTimeout <= 0 {
		bad("handshake_timeout", "must be positive")
	}
	if c.WriteTimeout <= 0 {
		bad("write_timeout", "must be positive")
	}
	if c.IdleTimeout < 0 {
		bad("idle_timeout", "must not be negative")
	}
	if c.TickResolution <= 0 {
		bad("tick_resolution", "must be positive")
	}
	if c.BroadcastInterval < c.TickResolution {
		bad("broadcast_interval", "must be at least tick_resolution")
	}
	if c.MaxFramePayload < 126 {
		bad("max_frame_payload", "must be at least 126 bytes")
	}
	if c.MaxClients <= 0 {
		bad("max_clients", "must be positive")
	}
	if c.SendBacklog <= 0 {
		bad("send_backlog", "must be positive")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		bad("rate_limit", "must not be negative")
	}
	if c.SyncDuration < 0 {
		bad("sync_duration", "must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		bad("log_level", err.Error())
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		bad("log_format", "must be console or json")
	}
	seen := make(map[string]bool, len(c.Marketplaces))
	for i, m := range c.Marketplaces {
		field := fmt.Sprintf("marketplaces[%d]", i)
		switch {
		case m.Name == "":
			bad(field, "needs a name")
		case m.Name == provider.PlatformAll:
			bad(field, "name \"all\" is reserved")
		case seen[m.Name]:
			bad(field, "duplicates "+m.Name)
		}
		seen[m.Name] = true
	}
	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultConnectRate       = 5.0
	DefaultUpstreamURL       = "https://matrix.org"
	DefaultUpstreamTimeout   = "60s"
	DefaultCredentialTimeout = "10s"
	DefaultClientHeader      = "X-Client-ID"
	DefaultMaxErrorBody      = 64 * 1024
	DefaultCapabilityTTL     = "2h"
	DefaultRefreshWindow     = "5m"
	DefaultPruneSchedule     = "@every 10m"
	DefaultJWTExpiresIn      = "24h"
	DefaultWorkerURL         = "ws://127.0.0.1:8080/_worker/ws"
	DefaultReconnectDelay    = "3s"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Worker   WorkerConfig   `toml:"worker"`
	Auth     AuthConfig     `toml:"auth"`
	Client   ClientConfig   `toml:"client"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
	// ConnectRate caps foreground connection attempts per second and remote
	// address. Zero disables the limit.
	ConnectRate float64 `toml:"connect_rate" validate:"gte=0"`
}

// UpstreamConfig points at the homeserver the worker fronts.
type UpstreamConfig struct {
	BaseURL string `toml:"base_url" validate:"required,url"`
	Timeout string `toml:"timeout"`
}

type WorkerConfig struct {
	CredentialTimeout string           `toml:"credential_timeout"`
	ClientHeader      string           `toml:"client_header" validate:"required"`
	MaxErrorBody      int64            `toml:"max_error_body" validate:"gt=0"`
	Capability        CapabilityConfig `toml:"capability"`
}

// CapabilityConfig controls authenticated-media URL rewriting. Off by default.
type CapabilityConfig struct {
	Enabled       bool   `toml:"enabled"`
	TTL           string `toml:"ttl"`
	RefreshWindow string `toml:"refresh_window"`
	PruneSchedule string `toml:"prune_schedule"`
}

// AuthConfig guards the foreground client channel. An empty secret disables it.
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ClientConfig configures the foreground controller side.
type ClientConfig struct {
	WorkerURL      string `toml:"worker_url" validate:"required,url"`
	ClientID       string `toml:"client_id"`
	Token          string `toml:"token"`
	Homeserver     string `toml:"homeserver" validate:"omitempty,url"`
	UserID         string `toml:"user_id"`
	AccessToken    string `toml:"access_token"`
	ReconnectDelay string `toml:"reconnect_delay"`
}

func (c UpstreamConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, DefaultUpstreamTimeout)
}

func (c WorkerConfig) CredentialTimeoutDuration() time.Duration {
	return parseDuration(c.CredentialTimeout, DefaultCredentialTimeout)
}

func (c CapabilityConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, DefaultCapabilityTTL)
}

func (c CapabilityConfig) RefreshWindowDuration() time.Duration {
	return parseDuration(c.RefreshWindow, DefaultRefreshWindow)
}

func (c AuthConfig) Enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

func (c AuthConfig) ExpiresIn() (time.Duration, error) {
	return time.ParseDuration(c.JWTExpiresIn)
}

func (c ClientConfig) ReconnectDelayDuration() time.Duration {
	return parseDuration(c.ReconnectDelay, DefaultReconnectDelay)
}

// HomeserverURL falls back to the worker's upstream when the client section
// names no homeserver.
func (c Config) HomeserverURL() string {
	if strings.TrimSpace(c.Client.Homeserver) != "" {
		return c.Client.Homeserver
	}
	return c.Upstream.BaseURL
}

func parseDuration(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:        DefaultHTTPAddr,
			ConnectRate: DefaultConnectRate,
		},
		Upstream: UpstreamConfig{
			BaseURL: DefaultUpstreamURL,
			Timeout: DefaultUpstreamTimeout,
		},
		Worker: WorkerConfig{
			CredentialTimeout: DefaultCredentialTimeout,
			ClientHeader:      DefaultClientHeader,
			MaxErrorBody:      DefaultMaxErrorBody,
			Capability: CapabilityConfig{
				TTL:           DefaultCapabilityTTL,
				RefreshWindow: DefaultRefreshWindow,
				PruneSchedule: DefaultPruneSchedule,
			},
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Client: ClientConfig{
			WorkerURL:      DefaultWorkerURL,
			ReconnectDelay: DefaultReconnectDelay,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if value := os.Getenv("HTTP_ADDR"); value != "" {
		cfg.Server.Addr = value
	}
	if value := os.Getenv("MXGATE_ACCESS_TOKEN"); value != "" {
		cfg.Client.AccessToken = value
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and duration syntax.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	durations := map[string]string{
		"upstream.timeout":                 c.Upstream.Timeout,
		"worker.credential_timeout":        c.Worker.CredentialTimeout,
		"worker.capability.ttl":            c.Worker.Capability.TTL,
		"worker.capability.refresh_window": c.Worker.Capability.RefreshWindow,
		"auth.jwt_expires_in":              c.Auth.JWTExpiresIn,
		"client.reconnect_delay":           c.Client.ReconnectDelay,
	}
	for key, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("invalid config: %s must be a positive duration, got %q", key, raw)
		}
	}
	if c.Worker.Capability.Enabled {
		if _, err := cron.ParseStandard(c.Worker.Capability.PruneSchedule); err != nil {
			return fmt.Errorf("invalid config: worker.capability.prune_schedule: %w", err)
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/MimeLyc/strproc/internal/backoff"
	apperrors "github.com/MimeLyc/strproc/internal/errors"
	"github.com/MimeLyc/strproc/pkg/log"
)

// Config holds all application configuration.
//
// Environment Variables:
// API Configuration:
// - STRPROC_API_URL: backend base URL (required)
// - API_TIMEOUT: request timeout in seconds (default: 30)
// - API_SUBMIT_RETRIES: extra submission attempts on transport errors and 5xx (default: 3)
//
// Channel Configuration:
// - CHANNEL_TRANSPORT: sse or ws (default: sse)
// - CHANNEL_PATH: notification endpoint path (default: /notifications)
// - CHANNEL_BACKOFF: reconnect schedule (default: 0s,2s,5s,10s,15s)
//
// Auth Configuration:
// - AUTH_TOKEN: static bearer token (optional)
// - AUTH_TOKEN_FILE: file re-read for every request (optional, wins over AUTH_TOKEN)
//
// Server Configuration:
// - SERVER_ADDR: listen address of the reference backend (default: :8080)
// - SERVER_FRAGMENT_DELAY: pause between streamed fragments (default: 200ms)
// - SERVER_WORKERS: concurrent jobs (default: 2)
// - SERVER_DB_PATH: SQLite file for job recovery across restarts (optional)
//
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - LOG_FILE: append log lines to this file instead of stderr (optional)
type Config struct {
	API     APIConfig     `json:"api"`
	Channel ChannelConfig `json:"channel"`
	Auth    AuthConfig    `json:"auth"`
	Server  ServerConfig  `json:"server"`

	LogLevel string `json:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `json:"log_file"  env:"LOG_FILE"`

	apiOptional bool
}

type APIConfig struct {
	URL           string `json:"url"            env:"STRPROC_API_URL"`
	Timeout       int    `json:"timeout"        env:"API_TIMEOUT"        envDefault:"30"`
	SubmitRetries int    `json:"submit_retries" env:"API_SUBMIT_RETRIES" envDefault:"3"`
}

type ChannelConfig struct {
	Transport string `json:"transport" env:"CHANNEL_TRANSPORT" envDefault:"sse"`
	Path      string `json:"path"      env:"CHANNEL_PATH"      envDefault:"/notifications"`
	Backoff   string `json:"backoff"   env:"CHANNEL_BACKOFF"   envDefault:"0s,2s,5s,10s,15s"`
}

type AuthConfig struct {
	Token     string `json:"-"          env:"AUTH_TOKEN"`
	TokenFile string `json:"token_file" env:"AUTH_TOKEN_FILE"`
}

type ServerConfig struct {
	Addr          string        `json:"addr"           env:"SERVER_ADDR"           envDefault:":8080"`
	FragmentDelay time.Duration `json:"fragment_delay" env:"SERVER_FRAGMENT_DELAY" envDefault:"200ms"`
	Workers       int           `json:"workers"        env:"SERVER_WORKERS"        envDefault:"2"`
	DBPath        string        `json:"db_path"        env:"SERVER_DB_PATH"`
}

const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Option is a function type for configuring Config
type Option func(*Config)

func WithAPIURL(u string) Option {
	return func(c *Config) {
		if strings.TrimSpace(u) != "" {
			c.API.URL = u
		}
	}
}

func WithTransport(t string) Option {
	return func(c *Config) {
		if strings.TrimSpace(t) != "" {
			c.Channel.Transport = t
		}
	}
}

func WithToken(token string) Option {
	return func(c *Config) {
		if token != "" {
			c.Auth.Token = token
		}
	}
}

// WithoutAPI drops the API URL requirement, for processes that only serve.
func WithoutAPI() Option {
	return func(c *Config) {
		c.apiOptional = true
	}
}

// NewFromEnv loads an optional .env file, parses the environment, applies
// opts and validates the result.
func NewFromEnv(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, apperrors.Wrap(err, apperrors.ErrConfig, "load .env file")
		}
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfig, "parse environment")
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %v", config)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	invalid := func(field, format string, args ...any) error {
		return apperrors.Newf(apperrors.ErrConfig, format, args...).WithContext("field", field)
	}

	if c.API.URL == "" && !c.apiOptional {
		return invalid("STRPROC_API_URL", "STRPROC_API_URL is required")
	}
	if c.API.URL != "" {
		u, err := url.Parse(c.API.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("STRPROC_API_URL", "STRPROC_API_URL must be an absolute http(s) URL, got %q", c.API.URL)
		}
	}
	if c.API.Timeout <= 0 {
		return invalid("API_TIMEOUT", "API_TIMEOUT must be positive")
	}
	if c.API.SubmitRetries < 0 {
		return invalid("API_SUBMIT_RETRIES", "API_SUBMIT_RETRIES must not be negative")
	}
	switch c.Channel.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return invalid("CHANNEL_TRANSPORT", "CHANNEL_TRANSPORT must be %q or %q, got %q", TransportSSE, TransportWebSocket, c.Channel.Transport)
	}
	if !strings.HasPrefix(c.Channel.Path, "/") {
		return invalid("CHANNEL_PATH", "CHANNEL_PATH must start with /")
	}
	if _, err := backoff.Parse(c.Channel.Backoff); err != nil {
		return invalid("CHANNEL_BACKOFF", "invalid CHANNEL_BACKOFF: %v", err)
	}
	if c.Server.Workers <= 0 {
		return invalid("SERVER_WORKERS", "SERVER_WORKERS must be positive")
	}
	if c.Server.FragmentDelay < 0 {
		return invalid("SERVER_FRAGMENT_DELAY", "SERVER_FRAGMENT_DELAY must not be negative")
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.Timeout) * time.Second
}

// Backoff returns the parsed reconnect schedule. validate guarantees it parses.
func (c *Config) Backoff() backoff.Policy {
	p, err := backoff.Parse(c.Channel.Backoff)
	if err != nil {
		return backoff.Default()
	}
	return p
}

// ChannelURL is the notification endpoint for the configured transport.
// WebSocket endpoints live under <path>/ws with a ws(s) scheme.
func (c *Config) ChannelURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.API.URL, "/"))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrConfig, "invalid API URL")
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Channel.Path
	if c.Channel.Transport == TransportWebSocket {
		u.Path += "/ws"
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	return u.String(), nil
}

func (c Config) String() string {
	token := ""
	if c.Auth.Token != "" {
		token = "***"
	}
	return fmt.Sprintf("api=%s transport=%s path=%s backoff=%s token=%s token_file=%s server=%s workers=%d log=%s",
		c.API.URL, c.Channel.Transport, c.Channel.Path, c.Channel.Backoff, token,
		c.Auth.TokenFile, c.Server.Addr, c.Server.Workers, c.LogLevel)
}

// Package config loads the chatsync client configuration: built-in defaults,
// then an optional YAML file, then CHATSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/chatsync/common/environment"
	"github.com/bdobrica/chatsync/internal/chatsync/poller"
	"github.com/bdobrica/chatsync/internal/chatsync/ratelimit"
	"github.com/bdobrica/chatsync/internal/chatsync/session"
	"github.com/bdobrica/chatsync/internal/chatsync/widget"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// Config is the client configuration.
type Config struct {
	BaseURL        string          `yaml:"base_url"`
	DatabasePath   string          `yaml:"database_path"`
	SessionMaxAge  time.Duration   `yaml:"session_max_age"`
	ReplyTimeout   time.Duration   `yaml:"reply_timeout"`
	HTTPTimeout    time.Duration   `yaml:"http_timeout"`
	WelcomeMessage string          `yaml:"welcome_message"`
	Poll           PollConfig      `yaml:"poll"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Log            LogConfig       `yaml:"log"`
}

// PollConfig holds the poll intervals.
type PollConfig struct {
	Fast time.Duration `yaml:"fast"`
	Base time.Duration `yaml:"base"`
	Step time.Duration `yaml:"step"`
	Max  time.Duration `yaml:"max"`
}

// RateLimitConfig bounds the cooldown after an HTTP 429.
type RateLimitConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	p := poller.DefaultPolicy()
	return Config{
		DatabasePath:   "./chatsync.db",
		SessionMaxAge:  session.DefaultMaxAge,
		ReplyTimeout:   widget.DefaultReplyTimeout,
		HTTPTimeout:    15 * time.Second,
		WelcomeMessage: widget.DefaultWelcome,
		Poll:           PollConfig{Fast: p.Fast, Base: p.Base, Step: p.Step, Max: p.Max},
		RateLimit:      RateLimitConfig{Initial: ratelimit.DefaultInitial, Max: ratelimit.DefaultMax},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case only the
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	environment.String(&c.BaseURL, EnvPrefix+"BASE_URL")
	environment.String(&c.DatabasePath, EnvPrefix+"DATABASE_PATH")
	environment.String(&c.WelcomeMessage, EnvPrefix+"WELCOME_MESSAGE")
	environment.String(&c.Log.Level, EnvPrefix+"LOG_LEVEL")
	environment.String(&c.Log.Format, EnvPrefix+"LOG_FORMAT")

	return environment.Overlay(map[string]*time.Duration{
		EnvPrefix + "SESSION_MAX_AGE":    &c.SessionMaxAge,
		EnvPrefix + "REPLY_TIMEOUT":      &c.ReplyTimeout,
		EnvPrefix + "HTTP_TIMEOUT":       &c.HTTPTimeout,
		EnvPrefix + "POLL_FAST":          &c.Poll.Fast,
		EnvPrefix + "POLL_BASE":          &c.Poll.Base,
		EnvPrefix + "POLL_STEP":          &c.Poll.Step,
		EnvPrefix + "POLL_MAX":           &c.Poll.Max,
		EnvPrefix + "RATE_LIMIT_INITIAL": &c.RateLimit.Initial,
		EnvPrefix + "RATE_LIMIT_MAX":     &c.RateLimit.Max,
	})
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"session_max_age", c.SessionMaxAge},
		{"reply_timeout", c.ReplyTimeout},
		{"http_timeout", c.HTTPTimeout},
		{"poll.fast", c.Poll.Fast},
		{"poll.base", c.Poll.Base},
		{"poll.step", c.Poll.Step},
		{"poll.max", c.Poll.Max},
		{"rate_limit.initial", c.RateLimit.Initial},
		{"rate_limit.max", c.RateLimit.Max},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", p.name, p.d))
		}
	}
	if c.Poll.Max < c.Poll.Base {
		errs = append(errs, fmt.Errorf("poll.max (%v) is below poll.base (%v)", c.Poll.Max, c.Poll.Base))
	}
	if c.RateLimit.Max < c.RateLimit.Initial {
		errs = append(errs, fmt.Errorf("rate_limit.max (%v) is below rate_limit.initial (%v)", c.RateLimit.Max, c.RateLimit.Initial))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// PollPolicy converts the poll section for the scheduler.
func (c *Config) PollPolicy() poller.Policy {
	return poller.Policy{Fast: c.Poll.Fast, Base: c.Poll.Base, Step: c.Poll.Step, Max: c.Poll.Max}
}

// RateLimitPolicy converts the rate_limit section for the guard.
func (c *Config) RateLimitPolicy() ratelimit.Policy {
	return ratelimit.Policy{Initial: c.RateLimit.Initial, Max: c.RateLimit.Max}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/metrics"
	"github.com/ahrdadan/flowcheck/internal/profile"
	"github.com/ahrdadan/flowcheck/internal/scenario"
)

const (
	// Version is the current version of flowcheck
	Version = "1"
	// AppName is the application name
	AppName = "flowcheck"
	// EnvPrefix prefixes every environment override, e.g. FLOWCHECK_BASE_URL.
	// Fields carry no envconfig tag so unprefixed HOST or PORT are never read.
	EnvPrefix = "flowcheck"
)

// Config holds all configuration options for the harness and its run server
type Config struct {
	// Target
	BaseURL  string `split_words:"true"`
	Username string `split_words:"true"`
	Password string `split_words:"true"`
	Profile  string `split_words:"true"` // path to a YAML site profile; empty uses the built-in one

	// Browser
	Engine         string `split_words:"true"` // chrome, lightpanda or remote
	ControlURL     string `split_words:"true"`
	ChromeBin      string `split_words:"true"`
	ChromeRevision int    `split_words:"true"`
	ChromeDeps     bool   `split_words:"true"`
	Headless       bool   `split_words:"true"`
	BrowserHost    string `split_words:"true"`
	BrowserPort    int    `split_words:"true"`

	// Timing
	WaitTimeout       time.Duration `split_words:"true"`
	PollInterval      time.Duration `split_words:"true"`
	LocatorTimeout    time.Duration `split_words:"true"`
	NavigationTimeout time.Duration `split_words:"true"`
	StepTimeout       time.Duration `split_words:"true"`
	ScenarioTimeout   time.Duration `split_words:"true"`

	// Server
	Host              string        `split_words:"true"`
	Port              int           `split_words:"true"`
	PublicURL         string        `split_words:"true"` // base URL for API responses, generated if empty
	RateLimitRequests int           `split_words:"true"`
	RateLimitWindow   time.Duration `split_words:"true"`
	MaxRunTimeout     time.Duration `split_words:"true"`

	// Queue (NATS JetStream)
	WithNats   bool          `split_words:"true"`
	NatsURL    string        `split_words:"true"`
	NatsStore  string        `split_words:"true"`
	NatsAutoDL bool          `split_words:"true"`
	NatsBin    string        `split_words:"true"`
	MaxRetries int           `split_words:"true"`
	ResultTTL  time.Duration `split_words:"true"`

	// Logging
	LogLevel  string `split_words:"true"`
	LogFormat string `split_words:"true"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "", // profile's own base URL
		Engine:            browser.EngineChrome,
		Headless:          true,
		BrowserHost:       "127.0.0.1",
		BrowserPort:       9222,
		WaitTimeout:       10 * time.Second,
		PollInterval:      250 * time.Millisecond,
		LocatorTimeout:    10 * time.Second,
		NavigationTimeout: 15 * time.Second,
		StepTimeout:       time.Minute,
		ScenarioTimeout:   2 * time.Minute,
		Host:              "0.0.0.0",
		Port:              8000,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		MaxRunTimeout:     15 * time.Minute,
		WithNats:          true,
		NatsURL:           "nats://127.0.0.1:4222",
		NatsStore:         "./data/nats",
		NatsAutoDL:        true,
		NatsBin:           "./bin/nats-server",
		MaxRetries:        3,
		ResultTTL:         7 * 24 * time.Hour, // 7 days
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load returns the defaults overlaid with FLOWCHECK_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

// BindFlags registers command line flags on fs. Each flag defaults to the
// value already in c, so flags win over the environment, which wins over the
// built-in defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	// Target flags
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Base URL of the site under test (overrides the profile)")
	fs.StringVar(&c.Username, "username", c.Username, "Standard user name (overrides the profile)")
	fs.StringVar(&c.Password, "password", c.Password, "Standard user password (overrides the profile)")
	fs.StringVar(&c.Profile, "profile", c.Profile, "Path to a YAML site profile (built-in saucedemo if empty)")

	// Browser flags
	fs.StringVar(&c.Engine, "engine", c.Engine, "Browser engine: chrome, lightpanda or remote")
	fs.StringVar(&c.ControlURL, "control-url", c.ControlURL, "DevTools URL of an already running browser (remote engine)")
	fs.StringVar(&c.ChromeBin, "chrome-bin", c.ChromeBin, "Chromium binary (downloaded if empty)")
	fs.IntVar(&c.ChromeRevision, "chrome-revision", c.ChromeRevision, "Chromium revision to download (0 uses default)")
	fs.BoolVar(&c.ChromeDeps, "chrome-deps", c.ChromeDeps, "Install Chromium system libraries before launching")
	fs.BoolVar(&c.Headless, "headless", c.Headless, "Run the browser without a window")
	fs.StringVar(&c.BrowserHost, "browser-host", c.BrowserHost, "Lightpanda CDP host")
	fs.IntVar(&c.BrowserPort, "browser-port", c.BrowserPort, "Lightpanda CDP port")

	// Timing flags
	fs.DurationVar(&c.WaitTimeout, "wait-timeout", c.WaitTimeout, "Default condition wait timeout")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Condition poll interval")
	fs.DurationVar(&c.LocatorTimeout, "locator-timeout", c.LocatorTimeout, "Element resolution timeout")
	fs.DurationVar(&c.NavigationTimeout, "navigation-timeout", c.NavigationTimeout, "External navigation timeout")
	fs.DurationVar(&c.StepTimeout, "step-timeout", c.StepTimeout, "Timeout for a single scenario step")
	fs.DurationVar(&c.ScenarioTimeout, "scenario-timeout", c.ScenarioTimeout, "Timeout for a whole scenario")

	// Logging flags
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json")
}

// BindServerFlags registers the flags that only the run server uses.
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Host address to bind the server")
	fs.IntVar(&c.Port, "port", c.Port, "Port number for the server")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "Base URL for API responses (e.g., http://localhost:8000)")
	fs.IntVar(&c.RateLimitRequests, "rate-limit", c.RateLimitRequests, "Requests allowed per rate limit window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "Rate limit window")
	fs.DurationVar(&c.MaxRunTimeout, "max-run-timeout", c.MaxRunTimeout, "Upper bound for a run's timeout")

	fs.BoolVar(&c.WithNats, "with-nats", c.WithNats, "Enable NATS JetStream for the run queue")
	fs.StringVar(&c.NatsURL, "nats-url", c.NatsURL, "NATS server URL")
	fs.StringVar(&c.NatsStore, "nats-store", c.NatsStore, "NATS JetStream storage directory")
	fs.BoolVar(&c.NatsAutoDL, "nats-autodl", c.NatsAutoDL, "Auto-download NATS server binary")
	fs.StringVar(&c.NatsBin, "nats-bin", c.NatsBin, "Path to NATS server binary")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Default retries for runs that set none (1-10)")
	fs.DurationVar(&c.ResultTTL, "result-ttl", c.ResultTTL, "How long runs and their idempotency keys are kept")
}

// Validate normalizes and checks the configuration. Retries are clamped to
// 1..10; a bad engine, log setting or non-positive duration is an error.
func (c *Config) Validate() error {
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	switch c.Engine {
	case browser.EngineChrome, browser.EngineLightpanda:
	case browser.EngineRemote:
		if c.ControlURL == "" {
			return fmt.Errorf("engine %q requires --control-url", c.Engine)
		}
	default:
		return fmt.Errorf("unknown engine %q (want chrome, lightpanda or remote)", c.Engine)
	}

	for name, d := range map[string]time.Duration{
		"wait-timeout":       c.WaitTimeout,
		"poll-interval":      c.PollInterval,
		"locator-timeout":    c.LocatorTimeout,
		"navigation-timeout": c.NavigationTimeout,
		"step-timeout":       c.StepTimeout,
		"scenario-timeout":   c.ScenarioTimeout,
		"rate-limit-window":  c.RateLimitWindow,
		"max-run-timeout":    c.MaxRunTimeout,
		"result-ttl":         c.ResultTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PollInterval > c.WaitTimeout {
		return fmt.Errorf("poll-interval %s exceeds wait-timeout %s", c.PollInterval, c.WaitTimeout)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log-format %q (want text or json)", c.LogFormat)
	}

	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	if c.RateLimitRequests < 1 {
		c.RateLimitRequests = 100
	}

	// Auto-generate PublicURL if not provided
	if c.PublicURL == "" {
		host := c.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		c.PublicURL = fmt.Sprintf("http://%s:%d", host, c.Port)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return nil
}

// ConfigureLogger applies the log level and format to l.
func (c *Config) ConfigureLogger(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	l.SetOutput(os.Stderr)
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// LauncherOptions maps the browser settings onto browser.LauncherOptions.
func (c *Config) LauncherOptions() browser.LauncherOptions {
	return browser.LauncherOptions{
		Engine:     c.Engine,
		ControlURL: c.ControlURL,
		ChromeBin:  c.ChromeBin,
		Headless:   c.Headless,
		Host:       c.BrowserHost,
		Port:       c.BrowserPort,
	}
}

// LoadProfile reads the configured profile, or the built-in one, and applies
// the base URL and credential overrides.
func (c *Config) LoadProfile() (*profile.Profile, error) {
	p, err := profile.Load(c.Profile)
	if err != nil {
		return nil, err
	}
	if err := p.Override(c.BaseURL, c.Username, c.Password); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return p, nil
}

// ScenarioOptions maps the timing settings onto scenario.Options.
func (c *Config) ScenarioOptions(logger logrus.FieldLogger, m *metrics.Collector) scenario.Options {
	return scenario.Options{
		WaitTimeout:       c.WaitTimeout,
		PollInterval:      c.PollInterval,
		LocatorTimeout:    c.LocatorTimeout,
		NavigationTimeout: c.NavigationTimeout,
		StepTimeout:       c.StepTimeout,
		Logger:            logger,
		Metrics:           m,
	}
}

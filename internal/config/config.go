// Package config loads harcollector settings from flags, the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the capture service.
type Config struct {
	// CDP connection settings
	CDPAddress     string `name:"cdp-address" env:"CHROMIUM_CDP_ADDRESS" default:"127.0.0.1" help:"Chromium remote debugging address."`
	CDPPort        int    `name:"cdp-port" env:"CHROMIUM_CDP_PORT" default:"9222" help:"Chromium remote debugging port."`
	Driver         string `env:"HARCAP_DRIVER" enum:"raw,chromedp" default:"raw" help:"CDP driver (raw, chromedp)."`
	ConnectRetries int    `env:"HARCAP_CONNECT_RETRIES" default:"5" help:"Extra CDP connection attempts before giving up."`

	// Browser launch
	LaunchBrowser     bool   `env:"HARCAP_LAUNCH_BROWSER" help:"Start a local Chromium when nothing listens on the CDP port."`
	BrowserBinary     string `env:"HARCAP_BROWSER_BINARY" help:"Chromium binary (default: first found on PATH)."`
	BrowserProfileDir string `env:"HARCAP_BROWSER_PROFILE_DIR" default:"./browser-profile" help:"User data dir for a launched browser."`
	BrowserStartURL   string `env:"HARCAP_BROWSER_START_URL" help:"Page a launched browser opens."`
	BrowserHeadless   bool   `env:"HARCAP_BROWSER_HEADLESS" help:"Launch the browser headless."`

	// API server
	BindAddr         string   `env:"HARCAP_BIND_ADDR" default:"127.0.0.1:8190" help:"Preferred API listen address."`
	PortCandidates   []string `env:"HARCAP_PORT_CANDIDATES" default:"127.0.0.1:8191,127.0.0.1:8192" sep:"," help:"Fallback listen addresses."`
	PortAutoFallback bool     `env:"HARCAP_PORT_AUTO_FALLBACK" default:"true" negatable:"" help:"Use a fallback address when the preferred one is busy."`

	// Capture behavior
	TabURLFilter string        `env:"HARCAP_TAB_URL_FILTER" help:"Only capture pages whose URL contains this substring."`
	RulesFile    string        `env:"HARCAP_RULES_FILE" help:"YAML file with include/exclude target rules."`
	StartEnabled bool          `env:"HARCAP_START_ENABLED" help:"Start capturing immediately."`
	AutoAttach   bool          `env:"HARCAP_AUTO_ATTACH" default:"true" negatable:"" help:"Attach to matching pages as they open or navigate."`
	MaxPending   int           `env:"HARCAP_MAX_PENDING" default:"10000" help:"Incomplete records kept per target before the oldest is evicted (0 = unbounded)."`
	BodyTimeout  time.Duration `env:"HARCAP_BODY_TIMEOUT" default:"10s" help:"Timeout for one response body fetch."`

	// Export settings
	ExportDir      string `env:"HARCAP_EXPORT_DIR" default:"./exports" help:"Directory for stored HAR exports."`
	ExportCompress bool   `env:"HARCAP_EXPORT_COMPRESS" help:"Store exports gzip-compressed."`
	ExportOnExit   bool   `env:"HARCAP_EXPORT_ON_EXIT" help:"Store a final export of captured records on shutdown."`
	CreatorName    string `env:"HARCAP_CREATOR_NAME" default:"HarCollector" help:"HAR creator name."`
	CreatorVersion string `env:"HARCAP_CREATOR_VERSION" default:"1.0.0" help:"HAR creator version."`
	NotifyURL      string `env:"HARCAP_NOTIFY_URL" help:"Webhook notified after each stored export."`

	// Journal settings
	JournalDir          string `env:"HARCAP_JOURNAL_DIR" help:"Append completed records as JSONL under this directory (empty = off)."`
	JournalMaxSizeMB    int    `env:"HARCAP_JOURNAL_MAX_SIZE_MB" default:"200" help:"Journal file size before rotation."`
	JournalBufferSize   int    `env:"HARCAP_JOURNAL_BUFFER_SIZE" default:"5000" help:"Queued journal lines per target before dropping."`
	JournalMaxBodyBytes int    `env:"HARCAP_JOURNAL_MAX_BODY_BYTES" default:"1048576" help:"Journal body truncation limit (0 = whole body)."`

	// Logging
	LogLevel string `env:"HARCAP_LOG_LEVEL" enum:"debug,info,warn,error" default:"info" help:"Log level."`
	LogFile  string `env:"HARCAP_LOG_FILE" default:"logs/harcollector.log" help:"Log file path."`
}

// Load reads an optional .env file, then parses args with environment
// fallbacks for every flag.
func Load(args []string, options ...kong.Option) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	var cfg Config
	options = append([]kong.Option{
		kong.Name("harcollector"),
		kong.Description("Capture browser network traffic over CDP and export it as HAR 1.2."),
		kong.UsageOnError(),
	}, options...)
	parser, err := kong.New(&cfg, options...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		errs = append(errs, fmt.Errorf("cdp port out of range: %d", c.CDPPort))
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max pending must not be negative: %d", c.MaxPending))
	}
	if c.BodyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("body timeout must be positive: %s", c.BodyTimeout))
	}
	if c.ConnectRetries < 0 {
		errs = append(errs, fmt.Errorf("connect retries must not be negative: %d", c.ConnectRetries))
	}
	if strings.TrimSpace(c.ExportDir) == "" {
		errs = append(errs, errors.New("export dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// CDPURL returns the DevTools HTTP endpoint.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

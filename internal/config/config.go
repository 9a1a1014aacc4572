package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MailSource selects and locates the mail-source adapter.
type MailSource struct {
	// Kind is "maildir" (directory of .eml files) or "file" (YAML export)
	Kind string `json:"kind,omitempty"`

	// Path is the maildir directory or the export file
	Path string `json:"path,omitempty"`
}

// Config holds application configuration.
type Config struct {
	// PreloadConcurrency is the number of preload workers.
	PreloadConcurrency int `json:"preload_concurrency"`

	// PreloadMaxRetries is the automatic fetch attempt budget per release.
	// A release whose attempts reach this count ends in ERROR.
	PreloadMaxRetries int `json:"preload_max_retries"`

	PreloadBackoffBaseMs int `json:"preload_backoff_base_ms"`
	PreloadBackoffMaxMs  int `json:"preload_backoff_max_ms"`

	// PreloadStarScanSeconds is how often a running scheduler looks for
	// releases starred by other processes.
	PreloadStarScanSeconds int `json:"preload_star_scan_seconds"`

	FetchTimeoutSeconds int    `json:"fetch_timeout_seconds"`
	FetchUserAgent      string `json:"fetch_user_agent,omitempty"`
	FetchMaxBodyBytes   int64  `json:"fetch_max_body_bytes,omitempty"`

	MailSource MailSource `json:"mail_source"`

	WebBind string `json:"web_bind,omitempty"`
	WebPort int    `json:"web_port,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PreloadConcurrency:     4,
		PreloadMaxRetries:      3,
		PreloadBackoffBaseMs:   1000,
		PreloadBackoffMaxMs:    30000,
		PreloadStarScanSeconds: 30,
		FetchTimeoutSeconds:    20,
		FetchUserAgent:         "bcfeed/1.0",
		FetchMaxBodyBytes:      8 << 20,
		MailSource:             MailSource{Kind: "maildir"},
		WebBind:                "127.0.0.1",
		WebPort:                5050,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// BackoffBase returns the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.PreloadBackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.PreloadBackoffMaxMs) * time.Millisecond
}

// StarScanInterval returns the period of the starred-release rescan.
func (c *Config) StarScanInterval() time.Duration {
	return time.Duration(c.PreloadStarScanSeconds) * time.Second
}

// FetchTimeout returns the per-request fetch deadline.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// WebAddr returns the listen address for the web API.
func (c *Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.WebBind, c.WebPort)
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.PreloadConcurrency <= 0 {
		return fmt.Errorf("preload_concurrency must be positive, got %d", c.PreloadConcurrency)
	}
	if c.PreloadMaxRetries < 0 {
		return fmt.Errorf("preload_max_retries must not be negative, got %d", c.PreloadMaxRetries)
	}
	if c.PreloadBackoffBaseMs < 0 || c.PreloadBackoffMaxMs < 0 {
		return fmt.Errorf("preload backoff must not be negative")
	}
	if c.PreloadBackoffBaseMs > c.PreloadBackoffMaxMs {
		return fmt.Errorf("preload_backoff_base_ms (%d) exceeds preload_backoff_max_ms (%d)",
			c.PreloadBackoffBaseMs, c.PreloadBackoffMaxMs)
	}
	if c.PreloadStarScanSeconds < 0 {
		return fmt.Errorf("preload_star_scan_seconds must not be negative, got %d", c.PreloadStarScanSeconds)
	}
	if c.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch_timeout_seconds must be positive, got %d", c.FetchTimeoutSeconds)
	}
	switch c.MailSource.Kind {
	case "", "maildir", "file":
	default:
		return fmt.Errorf("mail_source.kind must be \"maildir\" or \"file\", got %q", c.MailSource.Kind)
	}
	return nil
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.bcfeed.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.bcfeed) and repo (.bcfeed) directories.
// Repo config is found by walking upward from startDir to find the nearest .bcfeed/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .bcfeed/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".bcfeed", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw returns zero-valued config (not defaults) if the file doesn't exist.
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.PreloadConcurrency = pickInt(overlay.PreloadConcurrency, base.PreloadConcurrency)
	result.PreloadMaxRetries = pickInt(overlay.PreloadMaxRetries, base.PreloadMaxRetries)
	result.PreloadBackoffBaseMs = pickInt(overlay.PreloadBackoffBaseMs, base.PreloadBackoffBaseMs)
	result.PreloadBackoffMaxMs = pickInt(overlay.PreloadBackoffMaxMs, base.PreloadBackoffMaxMs)
	result.PreloadStarScanSeconds = pickInt(overlay.PreloadStarScanSeconds, base.PreloadStarScanSeconds)
	result.FetchTimeoutSeconds = pickInt(overlay.FetchTimeoutSeconds, base.FetchTimeoutSeconds)
	result.WebPort = pickInt(overlay.WebPort, base.WebPort)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.FetchMaxBodyBytes = overlay.FetchMaxBodyBytes
	if result.FetchMaxBodyBytes == 0 {
		result.FetchMaxBodyBytes = base.FetchMaxBodyBytes
	}

	result.FetchUserAgent = pickString(overlay.FetchUserAgent, base.FetchUserAgent)
	result.WebBind = pickString(overlay.WebBind, base.WebBind)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)
	result.LogFormat = pickString(overlay.LogFormat, base.LogFormat)
	result.MailSource.Kind = pickString(overlay.MailSource.Kind, base.MailSource.Kind)
	result.MailSource.Path = pickString(overlay.MailSource.Path, base.MailSource.Path)

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// ABOUTME: Configuration loading and parsing for chatgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "CHATGATE_CONFIG"

// Inference providers
const (
	ProviderGateway = "gateway"
	ProviderOpenAI  = "openai"
)

// Config represents the complete chatgate configuration
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Sampler     SamplerConfig     `yaml:"sampler"`
	Inference   InferenceConfig   `yaml:"inference"`
	Selection   SelectionConfig   `yaml:"selection"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// BackendConfig holds the reference backend settings and the URL clients use
type BackendConfig struct {
	Addr          string  `yaml:"addr"` // listen address for `chatgate backend`
	URL           string  `yaml:"url"`  // base URL the chat client talks to
	TemplatesFile string  `yaml:"templates_file"`
	RateLimit     float64 `yaml:"rate_limit"` // template requests per second per subject
	RateBurst     int     `yaml:"rate_burst"`
	// WebhookSecret verifies subscription webhooks. Empty disables the webhook.
	WebhookSecret string `yaml:"webhook_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// Token is the bearer token the chat client presents. Empty means anonymous.
	Token string `yaml:"token"`
}

// EntitlementConfig tunes the entitlement gate
type EntitlementConfig struct {
	CacheTTL      time.Duration `yaml:"-"`
	PollInterval  time.Duration `yaml:"-"`
	LookupTimeout time.Duration `yaml:"-"`
	MaxAttempts   int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	CacheTTLRaw      string `yaml:"cache_ttl"`
	PollIntervalRaw  string `yaml:"poll_interval"`
	LookupTimeoutRaw string `yaml:"lookup_timeout"`
}

// BootstrapConfig controls starter template import on the first message
type BootstrapConfig struct {
	AutoSelectTemplate *bool `yaml:"auto_select_template"`
}

// Enabled reports whether template bootstrap runs. Defaults to true.
func (b BootstrapConfig) Enabled() bool {
	return b.AutoSelectTemplate == nil || *b.AutoSelectTemplate
}

// SamplerConfig tunes the sampled processor
type SamplerConfig struct {
	Window         time.Duration `yaml:"-"`
	PersistTimeout time.Duration `yaml:"-"`

	WindowRaw         string `yaml:"window"`
	PersistTimeoutRaw string `yaml:"persist_timeout"`
}

// InferenceConfig selects and tunes the inference client
type InferenceConfig struct {
	Provider       string            `yaml:"provider"` // "gateway" or "openai"
	RequestTimeout time.Duration     `yaml:"-"`
	SystemPrompt   string            `yaml:"system_prompt"`
	MaxTokens      int               `yaml:"max_tokens"`
	Temperature    float32           `yaml:"temperature"`
	BaseURLs       map[string]string `yaml:"base_urls"`
	ContextFlags   map[string]bool   `yaml:"context_flags"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// SelectionConfig holds model/provider defaults and the key sealing secret
type SelectionConfig struct {
	DefaultModel    string `yaml:"default_model"`
	DefaultProvider string `yaml:"default_provider"`
	// Secret seals stored API keys. Falls back to auth.jwt_secret.
	Secret string `yaml:"secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the config at DefaultPath, or Default() when no file exists.
func LoadDefault() (*Config, string, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if os.Getenv(EnvConfigPath) != "" {
			return nil, path, fmt.Errorf("config file %s not found", path)
		}
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// DefaultPath returns the config location: $CHATGATE_CONFIG, then
// ./chatgate.yaml, then <user config dir>/chatgate/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat("chatgate.yaml"); err == nil {
		return "chatgate.yaml"
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatgate.yaml"
	}
	return filepath.Join(dir, "chatgate", "config.yaml")
}

// DefaultDatabasePath returns <user config dir>/chatgate/chatgate.db.
func DefaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatgate.db"
	}
	return filepath.Join(dir, "chatgate", "chatgate.db")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Backend.Addr == "" {
		c.Backend.Addr = "127.0.0.1:8088"
	}
	if c.Backend.URL == "" {
		c.Backend.URL = "http://" + c.Backend.Addr
	}
	if c.Backend.RateLimit == 0 {
		c.Backend.RateLimit = 2
	}
	if c.Backend.RateBurst == 0 {
		c.Backend.RateBurst = 5
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath()
	}
	if c.Entitlement.CacheTTL == 0 {
		c.Entitlement.CacheTTL = 30 * time.Second
	}
	if c.Entitlement.PollInterval == 0 {
		c.Entitlement.PollInterval = 5 * time.Second
	}
	if c.Entitlement.LookupTimeout == 0 {
		c.Entitlement.LookupTimeout = 5 * time.Second
	}
	if c.Entitlement.MaxAttempts == 0 {
		c.Entitlement.MaxAttempts = 30
	}
	if c.Sampler.Window == 0 {
		c.Sampler.Window = 50 * time.Millisecond
	}
	if c.Sampler.PersistTimeout == 0 {
		c.Sampler.PersistTimeout = 5 * time.Second
	}
	if c.Inference.Provider == "" {
		c.Inference.Provider = ProviderGateway
	}
	if c.Inference.RequestTimeout == 0 {
		c.Inference.RequestTimeout = 5 * time.Minute
	}
	if c.Selection.DefaultModel == "" {
		c.Selection.DefaultModel = "gpt-4o"
	}
	if c.Selection.DefaultProvider == "" {
		c.Selection.DefaultProvider = "OpenAI"
	}
	if c.Selection.Secret == "" {
		c.Selection.Secret = c.Auth.JWTSecret
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Inference.Provider {
	case ProviderGateway, ProviderOpenAI:
	default:
		return fmt.Errorf("inference.provider must be %q or %q, got %q", ProviderGateway, ProviderOpenAI, c.Inference.Provider)
	}

	if c.Entitlement.MaxAttempts < 0 {
		return fmt.Errorf("entitlement.max_attempts must not be negative")
	}

	if c.Backend.RateLimit < 0 || c.Backend.RateBurst < 0 {
		return fmt.Errorf("backend.rate_limit and backend.rate_burst must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"entitlement.cache_ttl", cfg.Entitlement.CacheTTLRaw, &cfg.Entitlement.CacheTTL},
		{"entitlement.poll_interval", cfg.Entitlement.PollIntervalRaw, &cfg.Entitlement.PollInterval},
		{"entitlement.lookup_timeout", cfg.Entitlement.LookupTimeoutRaw, &cfg.Entitlement.LookupTimeout},
		{"sampler.window", cfg.Sampler.WindowRaw, &cfg.Sampler.Window},
		{"sampler.persist_timeout", cfg.Sampler.PersistTimeoutRaw, &cfg.Sampler.PersistTimeout},
		{"inference.request_timeout", cfg.Inference.RequestTimeoutRaw, &cfg.Inference.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// ABOUTME: Configuration structures, loading, and validation for toolgate.
// ABOUTME: Supports YAML and TOML with ${ENV} expansion and duration strings.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete toolgate configuration. It is treated as an
// immutable snapshot after Load returns.
type Config struct {
	Protocol   ProtocolConfig   `yaml:"protocol" toml:"protocol"`
	Transports TransportsConfig `yaml:"transports" toml:"transports"`
	Tools      ToolsConfig      `yaml:"tools" toml:"tools"`
	Breaker    BreakerConfig    `yaml:"breaker" toml:"breaker"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Audit      AuditConfig      `yaml:"audit" toml:"audit"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ProtocolConfig holds protocol version negotiation settings.
type ProtocolConfig struct {
	// SupportedVersions lists protocol versions the server accepts. The
	// last entry is the highest and is offered on mismatch.
	SupportedVersions []string `yaml:"supported_versions" toml:"supported_versions"`
}

// TransportsConfig selects and configures the enabled transports.
type TransportsConfig struct {
	Stdio     StdioConfig     `yaml:"stdio" toml:"stdio"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
}

// StdioConfig configures the line-delimited stream transport.
type StdioConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// HTTPConfig configures the request/response transport.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	// MaxBodyBytes caps request body size. Defaults to 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// WebSocketConfig configures the persistent duplex transport.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// ToolsConfig controls tool visibility.
type ToolsConfig struct {
	// EnabledCategories restricts visible tool categories. Empty enables all.
	EnabledCategories []string `yaml:"enabled_categories" toml:"enabled_categories"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" toml:"half_open_max_calls"`

	ResetTimeout time.Duration `yaml:"-" toml:"-"`
	CallTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ResetTimeoutRaw string `yaml:"reset_timeout" toml:"reset_timeout"`
	CallTimeoutRaw  string `yaml:"call_timeout" toml:"call_timeout"`
}

// SessionsConfig tunes session lifecycle handling.
type SessionsConfig struct {
	IdleTimeout  time.Duration `yaml:"-" toml:"-"`
	ReapInterval time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw  string `yaml:"idle_timeout" toml:"idle_timeout"`
	ReapIntervalRaw string `yaml:"reap_interval" toml:"reap_interval"`
}

// AuthConfig holds the optional authentication hook settings.
type AuthConfig struct {
	// Required rejects handshakes without a valid credential.
	Required bool `yaml:"required" toml:"required"`
	// JWTSecret enables the JWT verifier when non-empty.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// StaticTokens maps preconfigured bearer tokens to capability lists.
	StaticTokens map[string][]string `yaml:"static_tokens" toml:"static_tokens"`
	// DefaultCapabilities apply to unauthenticated sessions.
	DefaultCapabilities []string `yaml:"default_capabilities" toml:"default_capabilities"`
}

// AuditConfig holds the optional call-audit settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is supplied: stdio
// transport only, breaker defaults, hour-long session idle timeout.
func Default() *Config {
	cfg := &Config{
		Protocol: ProtocolConfig{
			SupportedVersions: []string{"2025-03-26", "2025-11-25"},
		},
		Transports: TransportsConfig{
			Stdio: StdioConfig{Enabled: true},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			HalfOpenMaxCalls: 1,
			ResetTimeout:     30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Sessions: SessionsConfig{
			IdleTimeout:  time.Hour,
			ReapInterval: time.Minute,
		},
	}
	return cfg
}

// Load reads a configuration file and returns a parsed, validated Config.
// ${VAR} references are expanded from the environment. The format is chosen
// by extension: .toml parses as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration is usable. Startup aborts on the
// first failure; these are the only errors allowed to kill the process.
func (c *Config) Validate() error {
	if len(c.Protocol.SupportedVersions) == 0 {
		return fmt.Errorf("protocol.supported_versions must not be empty")
	}
	if !c.Transports.Stdio.Enabled && !c.Transports.HTTP.Enabled && !c.Transports.WebSocket.Enabled {
		return fmt.Errorf("at least one transport must be enabled")
	}
	if c.Transports.HTTP.Enabled && c.Transports.HTTP.Addr == "" {
		return fmt.Errorf("transports.http.addr is required when http is enabled")
	}
	if c.Transports.WebSocket.Enabled && c.Transports.WebSocket.Addr == "" {
		return fmt.Errorf("transports.websocket.addr is required when websocket is enabled")
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker.failure_threshold must not be negative")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" && len(c.Auth.StaticTokens) == 0 {
		return fmt.Errorf("auth.jwt_secret or auth.static_tokens required when auth is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	parse := func(raw string, dst *time.Duration, field string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Breaker.ResetTimeoutRaw, &cfg.Breaker.ResetTimeout, "breaker.reset_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Breaker.CallTimeoutRaw, &cfg.Breaker.CallTimeout, "breaker.call_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout, "sessions.idle_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Sessions.ReapIntervalRaw, &cfg.Sessions.ReapInterval, "sessions.reap_interval"); err != nil {
		return err
	}
	return nil
}

// LatestVersion returns the highest supported protocol version.
func (c *Config) LatestVersion() string {
	return c.Protocol.SupportedVersions[len(c.Protocol.SupportedVersions)-1]
}

// SupportsVersion reports whether a protocol version is in the supported set.
func (c *Config) SupportsVersion(v string) bool {
	for _, s := range c.Protocol.SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

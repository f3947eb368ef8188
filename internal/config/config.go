// ABOUTME: Configuration loading and parsing for atelier-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete atelier-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	TLS      TLSConfig      `yaml:"tls"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Backend  BackendConfig  `yaml:"backend"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Domain   string `yaml:"domain"` // Public domain the gateway serves
}

// TLSConfig holds TLS material and renewal configuration.
// When CertFile and KeyFile are empty the gateway serves plain HTTP.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	RenewCommand string `yaml:"renew_command"` // External renewal hook, invoked via shell

	RenewThreshold time.Duration `yaml:"-"`
	RenewInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RenewThresholdRaw string `yaml:"renew_threshold"`
	RenewIntervalRaw  string `yaml:"renew_interval"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds credential verification and token issuance configuration
type AuthConfig struct {
	TokenSecret          string `yaml:"token_secret"`
	AdminToken           string `yaml:"admin_token"`
	RateLimitMaxFailures int    `yaml:"rate_limit_max_failures"`

	TokenTTL        time.Duration `yaml:"-"`
	RateLimitWindow time.Duration `yaml:"-"`

	TokenTTLRaw        string `yaml:"token_ttl"`
	RateLimitWindowRaw string `yaml:"rate_limit_window"`
}

// BackendConfig describes how per-tenant workspace processes are started
// and supervised.
type BackendConfig struct {
	// Command and Args start the workspace process. Occurrences of
	// {port} and {tenant} in Args are substituted at spawn time.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	PortRangeStart     int    `yaml:"port_range_start"`
	PortRangeEnd       int    `yaml:"port_range_end"`
	HealthPath         string `yaml:"health_path"`
	RestartMaxAttempts int    `yaml:"restart_max_attempts"`

	ProvisionTimeout   time.Duration `yaml:"-"`
	HealthInterval     time.Duration `yaml:"-"`
	RestartBackoffBase time.Duration `yaml:"-"`
	RestartBackoffCap  time.Duration `yaml:"-"`
	DrainTimeout       time.Duration `yaml:"-"`

	ProvisionTimeoutRaw   string `yaml:"provision_timeout"`
	HealthIntervalRaw     string `yaml:"health_interval"`
	RestartBackoffBaseRaw string `yaml:"restart_backoff_base"`
	RestartBackoffCapRaw  string `yaml:"restart_backoff_cap"`
	DrainTimeoutRaw       string `yaml:"drain_timeout"`
}

// ProxyConfig holds request forwarding behavior
type ProxyConfig struct {
	// WaitForReady controls what a routed request does when its tenant has
	// no running instance: block on provisioning (true, the default) or
	// answer 503 with Retry-After while provisioning continues in the
	// background (false).
	WaitForReady  bool `yaml:"-"`
	RetryAttempts int  `yaml:"retry_attempts"`

	RetryBackoff time.Duration `yaml:"-"`

	WaitForReadyRaw *bool  `yaml:"wait_for_ready"`
	RetryBackoffRaw string `yaml:"retry_backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Load for fields left unset.
const (
	DefaultTokenTTL           = 60 * time.Second
	DefaultRateLimitWindow    = time.Minute
	DefaultRateLimitFailures  = 5
	DefaultProvisionTimeout   = 30 * time.Second
	DefaultHealthInterval     = 10 * time.Second
	DefaultRestartBackoffBase = time.Second
	DefaultRestartBackoffCap  = time.Minute
	DefaultRestartMaxAttempts = 5
	DefaultDrainTimeout       = 15 * time.Second
	DefaultRetryAttempts      = 3
	DefaultRetryBackoff       = 250 * time.Millisecond
	DefaultRenewThreshold     = 30 * 24 * time.Hour
	DefaultRenewInterval      = 12 * time.Hour
	DefaultHealthPath         = "/healthz"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Auth.RateLimitWindow == 0 {
		c.Auth.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Auth.RateLimitMaxFailures == 0 {
		c.Auth.RateLimitMaxFailures = DefaultRateLimitFailures
	}
	if c.Backend.ProvisionTimeout == 0 {
		c.Backend.ProvisionTimeout = DefaultProvisionTimeout
	}
	if c.Backend.HealthInterval == 0 {
		c.Backend.HealthInterval = DefaultHealthInterval
	}
	if c.Backend.RestartBackoffBase == 0 {
		c.Backend.RestartBackoffBase = DefaultRestartBackoffBase
	}
	if c.Backend.RestartBackoffCap == 0 {
		c.Backend.RestartBackoffCap = DefaultRestartBackoffCap
	}
	if c.Backend.RestartMaxAttempts == 0 {
		c.Backend.RestartMaxAttempts = DefaultRestartMaxAttempts
	}
	if c.Backend.DrainTimeout == 0 {
		c.Backend.DrainTimeout = DefaultDrainTimeout
	}
	if c.Backend.HealthPath == "" {
		c.Backend.HealthPath = DefaultHealthPath
	}
	if c.Proxy.WaitForReadyRaw == nil {
		c.Proxy.WaitForReady = true
	} else {
		c.Proxy.WaitForReady = *c.Proxy.WaitForReadyRaw
	}
	if c.Proxy.RetryAttempts == 0 {
		c.Proxy.RetryAttempts = DefaultRetryAttempts
	}
	if c.Proxy.RetryBackoff == 0 {
		c.Proxy.RetryBackoff = DefaultRetryBackoff
	}
	if c.TLS.RenewThreshold == 0 {
		c.TLS.RenewThreshold = DefaultRenewThreshold
	}
	if c.TLS.RenewInterval == 0 {
		c.TLS.RenewInterval = DefaultRenewInterval
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 bytes")
	}

	if c.Backend.Command == "" {
		return fmt.Errorf("backend.command is required")
	}
	if c.Backend.PortRangeStart <= 0 || c.Backend.PortRangeEnd <= 0 {
		return fmt.Errorf("backend.port_range_start and backend.port_range_end are required")
	}
	if c.Backend.PortRangeEnd < c.Backend.PortRangeStart {
		return fmt.Errorf("backend.port_range_end must not be below backend.port_range_start")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	return nil
}

// durationField pairs a raw YAML string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.rate_limit_window", cfg.Auth.RateLimitWindowRaw, &cfg.Auth.RateLimitWindow},
		{"backend.provision_timeout", cfg.Backend.ProvisionTimeoutRaw, &cfg.Backend.ProvisionTimeout},
		{"backend.health_interval", cfg.Backend.HealthIntervalRaw, &cfg.Backend.HealthInterval},
		{"backend.restart_backoff_base", cfg.Backend.RestartBackoffBaseRaw, &cfg.Backend.RestartBackoffBase},
		{"backend.restart_backoff_cap", cfg.Backend.RestartBackoffCapRaw, &cfg.Backend.RestartBackoffCap},
		{"backend.drain_timeout", cfg.Backend.DrainTimeoutRaw, &cfg.Backend.DrainTimeout},
		{"proxy.retry_backoff", cfg.Proxy.RetryBackoffRaw, &cfg.Proxy.RetryBackoff},
		{"tls.renew_threshold", cfg.TLS.RenewThresholdRaw, &cfg.TLS.RenewThreshold},
		{"tls.renew_interval", cfg.TLS.RenewIntervalRaw, &cfg.TLS.RenewInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Package config provides YAML configuration loading with validation and
// environment variable substitution for telemock.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogDirEnv overrides capture.dir when set.
const LogDirEnv = "TELEMOCK_LOG_DIR"

// Config is the top-level telemock configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Proxy   ProxyConfig   `yaml:"proxy" json:"proxy"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds settings for the mock-server HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// ProxyConfig holds settings for interceptor mode.
type ProxyConfig struct {
	Port            int               `yaml:"port" json:"port"`
	TargetHost      string            `yaml:"target_host" json:"target_host"`           // substring matched against the request host
	Verbose         bool              `yaml:"verbose" json:"verbose"`                   // log grouped parameters for every interception
	ResponseHeaders map[string]string `yaml:"response_headers" json:"response_headers"` // added to the canned response
	CaptureBody     bool              `yaml:"capture_body" json:"capture_body"`
	MaxBodyBytes    int64             `yaml:"max_body_bytes" json:"max_body_bytes"`
	UpstreamTimeout time.Duration     `yaml:"upstream_timeout" json:"upstream_timeout"`
	MITM            TLSConfig         `yaml:"mitm" json:"mitm"` // certificate presented for the target host on CONNECT
}

// CaptureConfig holds recorder settings.
type CaptureConfig struct {
	Dir                string  `yaml:"dir" json:"dir"`
	MaxWritesPerSecond float64 `yaml:"max_writes_per_second" json:"max_writes_per_second"` // 0 disables the limit
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds process log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// AdminConfig holds capture inspection API settings.
type AdminConfig struct {
	Enabled     bool       `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string   `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	Auth        AuthConfig `yaml:"auth" json:"auth"`
}

// AuthConfig holds JWT bearer authentication settings for the admin API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// TracingConfig holds OTLP trace export settings. Tracing is off when
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromBytes(data)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := LoadFromBytes(nil)
	if err != nil {
		// Defaults always validate; a failure here is a programming error.
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 8080
	}
	if cfg.Proxy.TargetHost == "" {
		cfg.Proxy.TargetHost = "cdn.cribl.io"
	}
	if cfg.Proxy.ResponseHeaders == nil {
		cfg.Proxy.ResponseHeaders = map[string]string{
			"Server":        "telemock",
			"X-Intercepted": "true",
		}
	}
	if cfg.Proxy.MaxBodyBytes == 0 {
		cfg.Proxy.MaxBodyBytes = 64 * 1024
	}
	if cfg.Proxy.UpstreamTimeout == 0 {
		cfg.Proxy.UpstreamTimeout = 30 * time.Second
	}
	if cfg.Proxy.MITM.Enabled && cfg.Proxy.MITM.MinVersion == "" {
		cfg.Proxy.MITM.MinVersion = "1.2"
	}

	if cfg.Capture.Dir == "" {
		cfg.Capture.Dir = "logs"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "telemock"
	}
}

func applyEnv(cfg *Config) {
	if dir, ok := os.LookupEnv(LogDirEnv); ok && dir != "" {
		cfg.Capture.Dir = dir
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be between 1 and 65535, got %d", cfg.Proxy.Port)
	}
	if strings.TrimSpace(cfg.Proxy.TargetHost) == "" {
		return fmt.Errorf("proxy.target_host must not be blank")
	}
	if cfg.Proxy.MaxBodyBytes < 0 {
		return fmt.Errorf("proxy.max_body_bytes must be non-negative")
	}
	if cfg.Proxy.UpstreamTimeout < 0 {
		return fmt.Errorf("proxy.upstream_timeout must be non-negative")
	}
	if cfg.Capture.MaxWritesPerSecond < 0 {
		return fmt.Errorf("capture.max_writes_per_second must be non-negative")
	}

	if err := validateTLS("server.tls", cfg.Server.TLS); err != nil {
		return err
	}
	if err := validateTLS("proxy.mitm", cfg.Proxy.MITM); err != nil {
		return err
	}

	// Logging validation
	if !ValidLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}
	if a := cfg.Admin.Auth; a.Enabled {
		if a.JWTSecret == "" {
			return fmt.Errorf("admin.auth.jwt_secret is required when auth is enabled")
		}
		if a.Issuer == "" {
			return fmt.Errorf("admin.auth.issuer is required when auth is enabled")
		}
		if a.Audience == "" {
			return fmt.Errorf("admin.auth.audience is required when auth is enabled")
		}
	}

	return nil
}

func validateTLS(prefix string, t TLSConfig) error {
	if !t.Enabled {
		return nil
	}
	if t.CertFile == "" {
		return fmt.Errorf("%s.cert_file is required when TLS is enabled", prefix)
	}
	if t.KeyFile == "" {
		return fmt.Errorf("%s.key_file is required when TLS is enabled", prefix)
	}
	if t.MinVersion != "1.2" && t.MinVersion != "1.3" {
		return fmt.Errorf("%s.min_version must be \"1.2\" or \"1.3\", got %q", prefix, t.MinVersion)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Auth.Enabled && strings.Contains(cfg.Admin.Auth.JWTSecret, "${") {
		warnings = append(warnings, "admin.auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && !cfg.Admin.Auth.Enabled {
		warnings = append(warnings, "admin API enabled without auth; access is limited by ip_allowlist only")
	}
	if cfg.Capture.MaxWritesPerSecond > 0 {
		warnings = append(warnings, fmt.Sprintf("capture writes limited to %g/s; excess requests are served but not recorded", cfg.Capture.MaxWritesPerSecond))
	}
	return warnings
}

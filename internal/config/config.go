package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. KATA_SERVER_PORT.
const EnvPrefix = "KATA"

// DefaultModuleURL is the version-pinned ruby.wasm build.
const DefaultModuleURL = "https://cdn.jsdelivr.net/npm/@ruby/3.4-wasm-wasi@2.7.1/dist/ruby+stdlib.wasm"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Harness    HarnessConfig    `yaml:"harness"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Limits     LimitsConfig     `yaml:"limits"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes" split_words:"true"`
}

// RuntimeConfig selects and pins the guest module.
type RuntimeConfig struct {
	Language            string        `yaml:"language"`
	ModuleURL           string        `yaml:"module_url" split_words:"true"`
	ModuleSHA256        string        `yaml:"module_sha256" envconfig:"MODULE_SHA256"`
	CacheDir            string        `yaml:"cache_dir" split_words:"true"`
	CompilationCacheDir string        `yaml:"compilation_cache_dir" split_words:"true"`
	MemoryLimitPages    uint32        `yaml:"memory_limit_pages" split_words:"true"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" split_words:"true"`
	StrictImports       bool          `yaml:"strict_imports" split_words:"true"` // trap on unknown host imports instead of stubbing
}

// HarnessConfig locates the test harness resource.
type HarnessConfig struct {
	Path     string `yaml:"path"`
	BaseDir  string `yaml:"base_dir" split_words:"true"`
	BaseURL  string `yaml:"base_url" split_words:"true"`
	Executor string `yaml:"executor"` // "sequential" (default) or "default"
}

type ClassifierConfig struct {
	Markers []string `yaml:"markers"`
}

type LimitsConfig struct {
	MaxCodeBytes   int `yaml:"max_code_bytes" split_words:"true"`
	MaxOutputBytes int `yaml:"max_output_bytes" split_words:"true"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	AuditBuffer     int           `yaml:"audit_buffer" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Sample  float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header" split_words:"true"`
	AllowedKeys    []string `yaml:"allowed_keys" split_words:"true"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `yaml:"rate_limit_burst" split_words:"true"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file" split_words:"true"`
	KeyFile  string `yaml:"key_file" split_words:"true"`
}

// Load reads configuration from a YAML file, applies KATA_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return finish(cfg)
}

// FromEnv returns the defaults with environment overrides applied, for
// running without a config file.
func FromEnv() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // first run downloads and boots the guest
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Runtime: RuntimeConfig{
			Language:         "ruby",
			ModuleURL:        DefaultModuleURL,
			CacheDir:         filepath.Join(os.TempDir(), "kata-runner", "modules"),
			MemoryLimitPages: 16384, // 1GiB
			FetchTimeout:     2 * time.Minute,
		},
		Harness: HarnessConfig{
			Path:     "harness/calculator_test.rb",
			BaseDir:  ".",
			Executor: "sequential",
		},
		Classifier: ClassifierConfig{
			Markers: []string{"Failure:", "Error:"},
		},
		Limits: LimitsConfig{
			MaxCodeBytes:   1 << 20,
			MaxOutputBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			AuditBuffer:     1000,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Runtime.ModuleURL == "" {
		return fmt.Errorf("runtime.module_url is required")
	}
	if !strings.HasPrefix(c.Runtime.ModuleURL, "https://") && !strings.HasPrefix(c.Runtime.ModuleURL, "http://") {
		return fmt.Errorf("runtime.module_url must be an http(s) URL, got %q", c.Runtime.ModuleURL)
	}
	if c.Runtime.ModuleSHA256 != "" && len(c.Runtime.ModuleSHA256) != 64 {
		return fmt.Errorf("runtime.module_sha256 must be 64 hex characters")
	}
	if c.Runtime.MemoryLimitPages > 65536 {
		return fmt.Errorf("runtime.memory_limit_pages must be <= 65536, got %d", c.Runtime.MemoryLimitPages)
	}
	if c.Harness.Path == "" {
		return fmt.Errorf("harness.path is required")
	}
	switch c.Harness.Executor {
	case "sequential", "default":
	default:
		return fmt.Errorf("harness.executor must be sequential or default, got %q", c.Harness.Executor)
	}
	for _, m := range c.Classifier.Markers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("classifier.markers must not contain empty markers")
		}
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security rate limits must be >= 0")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

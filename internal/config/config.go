// Package config loads and validates the application configuration from
// environment variables (prefix LG) with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Gate      GateConfig      `yaml:"gate" envconfig:"GATE"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains the CORS allow-list and request-check settings.
type SecurityConfig struct {
	AllowedOrigins  []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
	RequiredHeaders []string `yaml:"required_headers" envconfig:"REQUIRED_HEADERS" default:"user-agent"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES" default:"65536"`
}

// LicenseConfig tunes the validation service.
type LicenseConfig struct {
	GraceDays          int           `yaml:"grace_days" envconfig:"GRACE_DAYS" default:"7"`
	ActivationCooldown time.Duration `yaml:"activation_cooldown" envconfig:"ACTIVATION_COOLDOWN" default:"5m"`
	DefaultMaxDevices  int           `yaml:"default_max_devices" envconfig:"DEFAULT_MAX_DEVICES" default:"3"`
}

// RateLimitConfig holds one window per limit class plus the process-wide
// token-bucket limiter applied in front of everything.
type RateLimitConfig struct {
	Validation WindowConfig `yaml:"validation" envconfig:"VALIDATION"`
	Activation WindowConfig `yaml:"activation" envconfig:"ACTIVATION"`
	Global     WindowConfig `yaml:"global" envconfig:"GLOBAL"`
	RPS        float64      `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst      int          `yaml:"burst" envconfig:"BURST" default:"50"`
}

// WindowConfig is a fixed window with a request budget.
type WindowConfig struct {
	Max    int           `yaml:"max" envconfig:"MAX"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW"`
}

// GateConfig tunes the client-side route gate.
type GateConfig struct {
	StateTTL           time.Duration `yaml:"state_ttl" envconfig:"STATE_TTL" default:"2m"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval" envconfig:"MIN_REFRESH_INTERVAL" default:"10s"`
	OfflineTTL         time.Duration `yaml:"offline_ttl" envconfig:"OFFLINE_TTL" default:"24h"`
	ConnectivityProbe  time.Duration `yaml:"connectivity_probe" envconfig:"CONNECTIVITY_PROBE" default:"3s"`
	AuthPath           string        `yaml:"auth_path" envconfig:"AUTH_PATH" default:"/auth"`
	VerifyLicensePath  string        `yaml:"verify_license_path" envconfig:"VERIFY_LICENSE_PATH" default:"/verify-licenca"`
	InvalidLicensePath string        `yaml:"invalid_license_path" envconfig:"INVALID_LICENSE_PATH" default:"/licenca-invalida"`
	UnauthorizedPath   string        `yaml:"unauthorized_path" envconfig:"UNAUTHORIZED_PATH" default:"/unauthorized"`
}

// AuditConfig tunes the client-side batching audit logger.
type AuditConfig struct {
	BatchSize     int           `yaml:"batch_size" envconfig:"BATCH_SIZE" default:"10"`
	FlushInterval time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL" default:"5s"`
	QueueCapacity int           `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY" default:"256"`
	SpillPath     string        `yaml:"spill_path" envconfig:"SPILL_PATH" default:"data/audit-spill.json"`
	SpillBatches  int           `yaml:"spill_batches" envconfig:"SPILL_BATCHES" default:"20"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensegate.log"`
}

// StoreConfig locates the relational store.
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/licensegate.db"`
}

// Load loads configuration from environment variables, then overlays an
// optional YAML file found at LG_CONFIG_FILE or ./config.yaml.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("LG", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path := configFilePath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in the rate-limit windows envconfig cannot default
// on nested struct values.
func (c *Config) applyDefaults() {
	if c.RateLimit.Validation.Max == 0 {
		c.RateLimit.Validation = WindowConfig{Max: 30, Window: time.Minute}
	}
	if c.RateLimit.Activation.Max == 0 {
		c.RateLimit.Activation = WindowConfig{Max: 5, Window: 5 * time.Minute}
	}
	if c.RateLimit.Global.Max == 0 {
		c.RateLimit.Global = WindowConfig{Max: 120, Window: time.Minute}
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}
	if c.License.GraceDays < 0 {
		return fmt.Errorf("grace days must not be negative")
	}
	if c.Gate.StateTTL <= 0 {
		return fmt.Errorf("gate state TTL must be positive")
	}
	if c.Audit.BatchSize <= 0 || c.Audit.QueueCapacity < c.Audit.BatchSize {
		return fmt.Errorf("audit queue capacity %d must fit batch size %d",
			c.Audit.QueueCapacity, c.Audit.BatchSize)
	}
	for name, w := range map[string]WindowConfig{
		"validation": c.RateLimit.Validation,
		"activation": c.RateLimit.Activation,
		"global":     c.RateLimit.Global,
	} {
		if w.Max <= 0 || w.Window <= 0 {
			return fmt.Errorf("rate limit class %s must have positive max and window", name)
		}
	}
	return nil
}

func configFilePath() string {
	if path := os.Getenv("LG_CONFIG_FILE"); path != "" {
		return path
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// Default returns the configuration used when nothing is set, mainly for
// tests and local development.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			RequiredHeaders: []string{"user-agent"},
			MaxBodyBytes:    64 << 10,
		},
		License: LicenseConfig{
			GraceDays:          7,
			ActivationCooldown: 5 * time.Minute,
			DefaultMaxDevices:  3,
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 50,
		},
		Gate: GateConfig{
			StateTTL:           2 * time.Minute,
			MinRefreshInterval: 10 * time.Second,
			OfflineTTL:         24 * time.Hour,
			ConnectivityProbe:  3 * time.Second,
			AuthPath:           "/auth",
			VerifyLicensePath:  "/verify-licenca",
			InvalidLicensePath: "/licenca-invalida",
			UnauthorizedPath:   "/unauthorized",
		},
		Audit: AuditConfig{
			BatchSize:     10,
			FlushInterval: 5 * time.Second,
			QueueCapacity: 256,
			SpillPath:     "data/audit-spill.json",
			SpillBatches:  20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Store: StoreConfig{Path: "data/licensegate.db"},
	}
	cfg.applyDefaults()
	return cfg
}

// Package config provides unified configuration loading for the control plane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener serving §6.1/§6.2.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Store's Postgres connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	MigrationsPath  string `json:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
}

// RedisConfig controls the Broker Auth Service's ACL cache.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
	TTL      int    `json:"ttl_seconds" env:"REDIS_ACL_TTL_SECONDS"`
}

// LoggingConfig controls process-wide structured logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// LicenseConfig controls the License Authority (spec §4.3).
type LicenseConfig struct {
	Envelope  string `json:"envelope" env:"LICENSE_ENVELOPE"`
	PublicKey string `json:"public_key" env:"LICENSE_PUBLIC_KEY"`
}

// ProvisioningConfig controls admission, key material, and rate limiting for
// the Provisioning Coordinator.
type ProvisioningConfig struct {
	RateLimitPerMinute int    `json:"rate_limit_per_minute" env:"PROVISIONING_RATE_LIMIT"`
	PlatformPrivateKey string `json:"platform_private_key" env:"PROVISIONING_PLATFORM_PRIVATE_KEY"`
	PlatformPublicKey  string `json:"platform_public_key" env:"PROVISIONING_PLATFORM_PUBLIC_KEY"`
	DefaultTemplate    string `json:"default_template" env:"PROVISIONING_DEFAULT_TEMPLATE"`
	TLSCABundle        string `json:"tls_ca_bundle" env:"PROVISIONING_TLS_CA_BUNDLE"`
	APIEndpoint        string `json:"api_endpoint" env:"PROVISIONING_API_ENDPOINT"`
}

// MQTTConfig describes the broker connection handed to devices and used by
// the control plane's own MQTT client connection.
type MQTTConfig struct {
	BrokerURL string `json:"broker_url" env:"MQTT_BROKER_URL"`
	ClientID  string `json:"client_id" env:"MQTT_CLIENT_ID"`
	Username  string `json:"username" env:"MQTT_USERNAME"`
	Password  string `json:"password" env:"MQTT_PASSWORD"`
	TLSVerify bool   `json:"tls_verify" env:"MQTT_TLS_VERIFY"`
}

// JobsConfig controls the Job Engine's retention and scheduler behavior.
type JobsConfig struct {
	RetentionDays    int  `json:"retention_days" env:"JOBS_RETENTION_DAYS"`
	SchedulerEnabled bool `json:"scheduler_enabled" env:"JOBS_SCHEDULER_ENABLED"`
}

// Config is the top-level, resolved-once configuration snapshot. Below
// cmd/, only Load (and logging.NewFromEnv) read the environment; components
// receive their settings through this struct.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Logging      LoggingConfig      `json:"logging"`
	License      LicenseConfig      `json:"license"`
	Provisioning ProvisioningConfig `json:"provisioning"`
	MQTT         MQTTConfig         `json:"mqtt"`
	Jobs         JobsConfig         `json:"jobs"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
			MigrationsPath:  "db/migrations",
		},
		Redis:   RedisConfig{Addr: "localhost:6379", TTL: 30},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Jobs: JobsConfig{
			RetentionDays:    30,
			SchedulerEnabled: true,
		},
	}
}

// Load loads configuration from an optional YAML file, then environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field had an environment override;
		// treat that as "no overrides" so local/dev runs work unconfigured.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ConnMaxLifetimeDuration converts the configured seconds into a time.Duration.
func (c DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// CacheTTL converts the configured seconds into a time.Duration.
func (c RedisConfig) CacheTTL() time.Duration {
	if c.TTL <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TTL) * time.Second
}

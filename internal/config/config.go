package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full server configuration, loaded once at process start.
//
// Sources, in order of precedence:
//  1. Environment variables (TUCKERSYNC_*)
//  2. Configuration file (YAML)
//  3. Defaults
type Config struct {
	// HTTP contains listener settings.
	HTTP HTTPConfig `mapstructure:"http"`

	// Database configures the PostgreSQL connection.
	Database DatabaseConfig `mapstructure:"database"`

	// AppKeys is the allow-list of private application keys. Any key listed
	// is accepted by the server; revoke a key for a group of clients by
	// removing or changing it. At least two keys must be configured.
	AppKeys []string `mapstructure:"app_keys" validate:"min=2,dive,required"`

	// PasswordMinLength is the minimum password length required from users.
	PasswordMinLength int `mapstructure:"password_min_length" validate:"gte=8"`

	// SessionExpiryWindow bounds how far a sync session's createdAt may lie
	// from the database clock before the session is reaped. Must cover the
	// longest plausible upload duration.
	SessionExpiryWindow time.Duration `mapstructure:"session_expiry_window" validate:"gte=20m"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Production gates credential logging: plaintext passwords are only ever
	// written to debug logs when this is false.
	Production bool `mapstructure:"production"`
}

// HTTPConfig contains HTTP listener settings.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
}

// DatabaseConfig contains PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	Name     string `mapstructure:"name" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable require verify-ca verify-full"`
}

// URL renders the pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// LoggingConfig controls log level and destination.
type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`

	// File, when set, receives log output instead of stderr.
	File string `mapstructure:"file"`

	// Console enables human-readable output for local development.
	Console bool `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "tucker_sync_dev")
	v.SetDefault("database.user", "tuckersyncadmin")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("password_min_length", 14)
	v.SetDefault("session_expiry_window", 80*time.Minute)

	v.SetDefault("logging.level", "debug")
	v.SetDefault("logging.console", true)

	v.SetDefault("production", false)
}

// Load reads configuration from the given file path (optional) and the
// environment, validates it, and returns the typed result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TUCKERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints beyond what decoding enforces.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// KeyAllowed reports whether key is in the application key allow-list.
func (c *Config) KeyAllowed(key string) bool {
	for _, k := range c.AppKeys {
		if k == key {
			return true
		}
	}
	return false
}

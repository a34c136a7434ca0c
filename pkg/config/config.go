// Package config loads svckit configuration from defaults, an optional config
// file, a .env file, SVCKIT_ environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cmatc13/svckit/pkg/errors"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SVCKIT"

// Config holds all configuration for the application
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Publish      PublishConfig      `mapstructure:"publish"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Intervention InterventionConfig `mapstructure:"intervention"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// AdminConfig holds admin API configuration
type AdminConfig struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	PasswordHash       string        `mapstructure:"password_hash"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	TokenExpiry        time.Duration `mapstructure:"token_expiry"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	RateLimit          int           `mapstructure:"rate_limit"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// LifecycleConfig holds service lifecycle configuration
type LifecycleConfig struct {
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`
	StartTimeout    time.Duration `mapstructure:"start_timeout"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
}

// PublishConfig holds work publishing configuration
type PublishConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Periodicity time.Duration `mapstructure:"periodicity"`
	Filter      string        `mapstructure:"filter"`
}

// HeartbeatConfig holds heartbeat service configuration
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// InterventionConfig holds intervention journal configuration
type InterventionConfig struct {
	JournalSize int `mapstructure:"journal_size"`
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// KafkaConfig holds Kafka-related configuration
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// LoadOptions controls where Load reads configuration from.
type LoadOptions struct {
	// ConfigFile is an optional yaml, json or toml file.
	ConfigFile string
	// EnvFile is an optional .env file. A missing file is not an error.
	EnvFile string
	// Flags are bound over every other source when set.
	Flags *pflag.FlagSet
}

// DefaultLoadOptions returns the default load options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{EnvFile: ".env"}
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"admin-addr":   "admin.addr",
	"stop-grace":   "lifecycle.stop_grace_period",
	"publish-freq": "publish.periodicity",
}

// BindFlags registers the command-line flags understood by LoadWithOptions.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to configuration file")
	fs.String("env-file", ".env", "Path to .env file")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("admin-addr", "", "Admin API listen address")
	fs.Duration("stop-grace", 0, "Grace period for draining in-flight work on shutdown")
	fs.Duration("publish-freq", 0, "Work publishing periodicity")
}

// Load loads configuration with the default options.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads and validates configuration.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.Flags != nil {
		if f := opts.Flags.Lookup("config"); f != nil && f.Changed {
			opts.ConfigFile = f.Value.String()
		}
		if f := opts.Flags.Lookup("env-file"); f != nil && f.Changed {
			opts.EnvFile = f.Value.String()
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "loading env file "+opts.EnvFile)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "reading config file "+opts.ConfigFile)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrap(err, "binding flag "+name)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}

	// Lists from the environment arrive comma separated.
	cfg.Admin.CORSAllowedOrigins = splitList(strings.Join(cfg.Admin.CORSAllowedOrigins, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")

	v.SetDefault("metrics.namespace", "svckit")

	v.SetDefault("admin.addr", ":8080")
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_expiry", time.Hour)
	v.SetDefault("admin.cors_allowed_origins", []string{"*"})
	v.SetDefault("admin.rate_limit", 100)
	v.SetDefault("admin.shutdown_timeout", 10*time.Second)

	v.SetDefault("lifecycle.stop_grace_period", 10*time.Second)
	v.SetDefault("lifecycle.start_timeout", 30*time.Second)
	v.SetDefault("lifecycle.health_timeout", 30*time.Second)

	v.SetDefault("publish.enabled", true)
	v.SetDefault("publish.periodicity", time.Minute)
	v.SetDefault("publish.filter", "")

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", 15*time.Second)

	v.SetDefault("intervention.journal_size", 100)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "svckit:")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "svckit.telemetry")
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Admin.Addr == "" {
		problems = append(problems, "admin.addr must not be empty")
	}
	if c.Admin.RateLimit <= 0 {
		problems = append(problems, "admin.rate_limit must be positive")
	}
	if c.Admin.TokenExpiry <= 0 {
		problems = append(problems, "admin.token_expiry must be positive")
	}
	if c.Publish.Enabled && c.Publish.Periodicity <= 0 {
		problems = append(problems, "publish.periodicity must be positive")
	}
	if c.Heartbeat.Enabled && c.Heartbeat.Interval <= 0 {
		problems = append(problems, "heartbeat.interval must be positive")
	}
	if c.Intervention.JournalSize <= 0 {
		problems = append(problems, "intervention.journal_size must be positive")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		problems = append(problems, "redis.address must not be empty")
	}
	if c.Kafka.Enabled && (c.Kafka.Brokers == "" || c.Kafka.Topic == "") {
		problems = append(problems, "kafka.brokers and kafka.topic must not be empty")
	}

	if len(problems) > 0 {
		return errors.Wrap(errors.ErrInvalidInput, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// AdminAuthEnabled reports whether the admin API can issue tokens.
func (c *Config) AdminAuthEnabled() bool {
	return c.Admin.AuthEnabled()
}

// AuthEnabled reports whether both a JWT secret and a password hash are set.
func (a AdminConfig) AuthEnabled() bool {
	return a.JWTSecret != "" && a.PasswordHash != ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

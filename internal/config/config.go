package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/semantrix/aigateway/internal/cache"
	"github.com/semantrix/aigateway/internal/completion"
	"github.com/semantrix/aigateway/internal/observability"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/semantrix/aigateway/internal/querylog"
	"github.com/semantrix/aigateway/internal/ratelimit"
	"github.com/semantrix/aigateway/internal/router"
	"github.com/semantrix/aigateway/internal/router/health"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AIGATEWAY_SERVER_PORT.
const EnvPrefix = "AIGATEWAY"

// Config holds the gateway configuration.
type Config struct {
	Server      ServerConfig               `mapstructure:"server"`
	Providers   []providers.ProviderConfig `mapstructure:"providers"`
	Routing     router.Config              `mapstructure:"routing"`
	Execution   completion.Config          `mapstructure:"execution"`
	HealthCheck HealthCheckConfig          `mapstructure:"health_check"`
	Cache       cache.CacheConfig          `mapstructure:"cache"`
	Redis       RedisConfig                `mapstructure:"redis"`
	RateLimit   ratelimit.Config           `mapstructure:"rate_limit"`
	QueryLog    QueryLogConfig             `mapstructure:"query_log"`

	Observability struct {
		Logging observability.LoggerConfig  `mapstructure:"logging"`
		Metrics observability.MetricsConfig `mapstructure:"metrics"`
		Tracing observability.TracingConfig `mapstructure:"tracing"`
	} `mapstructure:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 keeps streams open
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// HealthCheckConfig configures probing, the health state machine and the
// cache in front of GET /health.
type HealthCheckConfig struct {
	health.MonitorConfig  `mapstructure:",squash"`
	health.RegistryConfig `mapstructure:",squash"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueryLogConfig configures query persistence.
type QueryLogConfig struct {
	Enabled                 bool   `mapstructure:"enabled"`
	DSN                     string `mapstructure:"dsn"`
	querylog.IngestorConfig `mapstructure:",squash"`
}

// Load reads configuration from path (or config.yaml in the working
// directory or ./config when path is empty), a .env file and AIGATEWAY_*
// environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = resolveSecret(v, cfg.Providers[i].APIKey)
	}
	cfg.Redis.Password = resolveSecret(v, cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveSecret expands "ENV:NAME" to the value of the environment variable NAME.
func resolveSecret(v *viper.Viper, value string) string {
	name, ok := strings.CutPrefix(value, "ENV:")
	if !ok {
		return value
	}
	if val := os.Getenv(name); val != "" {
		return val
	}
	return v.GetString(name)
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider without name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %s", p.Name)
		}
		seen[p.Name] = true
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("cache type redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unsupported cache type %q", c.Cache.Type)
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if !c.Redis.Enabled {
				return fmt.Errorf("rate limit backend redis requires redis.enabled")
			}
		default:
			return fmt.Errorf("unsupported rate limit backend %q", c.RateLimit.Backend)
		}
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requires a positive limit and window")
		}
	}

	if c.QueryLog.Enabled && c.QueryLog.DSN == "" {
		return fmt.Errorf("query log requires a dsn")
	}
	return nil
}

// EnabledProviders returns the providers not marked disabled, in file order.
func (c *Config) EnabledProviders() []providers.ProviderConfig {
	out := make([]providers.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// setDefaults sets sensible default values for configuration.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Routing and execution
	v.SetDefault("routing.ranking", []string{"health", "tier", "cost", "latency"})
	v.SetDefault("execution.max_attempts", completion.DefaultMaxAttempts)
	v.SetDefault("execution.call_timeout", completion.DefaultCallTimeout)

	// Health check defaults
	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", 30*time.Second)
	v.SetDefault("health_check.timeout", 5*time.Second)
	v.SetDefault("health_check.unhealthy_threshold", health.DefaultUnhealthyThreshold)
	v.SetDefault("health_check.latency_alpha", health.DefaultLatencyAlpha)
	v.SetDefault("health_check.cache_ttl", 10*time.Second)

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", 10*time.Second)
	v.SetDefault("cache.max_size", 1000)

	// Collaborators
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("query_log.enabled", false)
	v.SetDefault("query_log.dsn", "file:data/queries.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("query_log.buffer_size", 10000)
	v.SetDefault("query_log.batch_size", 50)
	v.SetDefault("query_log.flush_interval", 5*time.Second)

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output_path", "logs/app.log")
	v.SetDefault("observability.logging.error_path", "logs/error.log")
	v.SetDefault("observability.logging.development", false)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9090)
	v.SetDefault("observability.metrics.path", "/metrics")

	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "aigateway")
	v.SetDefault("observability.tracing.environment", "development")
}

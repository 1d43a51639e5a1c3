package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	Env      string         `mapstructure:"env"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Provider ProviderConfig `mapstructure:"provider"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	// MaxDuration caps the handling time of one completion request.
	MaxDuration time.Duration `mapstructure:"max_duration"`
	Mode        string        `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ProviderConfig struct {
	Name      string `mapstructure:"name"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type ChatConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute"`
	Burst         int `mapstructure:"burst"`
}

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type WorkerConfig struct {
	MinWorkers  int           `mapstructure:"min_workers"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "MOONIT"

// providerKeyEnv lists the conventional credential variable of each provider.
var providerKeyEnv = map[string]string{
	"groq":   "GROQ_API_KEY",
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

var supportedDrivers = map[string]bool{"sqlite3": true, "mysql": true, "postgres": true}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.max_duration", 30*time.Second)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:moonit.db?_foreign_keys=on")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("provider.name", "groq")
	v.SetDefault("provider.model", "llama-3.3-70b-versatile")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.max_tokens", 2048)
	v.SetDefault("chat.rate_per_minute", 20)
	v.SetDefault("chat.burst", 5)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("worker.min_workers", 2)
	v.SetDefault("worker.max_workers", 16)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.idle_timeout", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from the provided JSON file, a .env file in the working
// directory and MOONIT_* environment variables, in increasing order of precedence.
// An empty path looks for an optional config.json in the working directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "sqlite" {
		c.Database.Driver = "sqlite3"
	}
	c.Provider.Name = strings.ToLower(strings.TrimSpace(c.Provider.Name))
	if c.Provider.APIKey == "" {
		if name, ok := providerKeyEnv[c.Provider.Name]; ok {
			c.Provider.APIKey = strings.TrimSpace(os.Getenv(name))
		}
	}
}

// IsProduction reports whether the service runs as a production build.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the configuration. Structural problems are returned as an error.
// Missing credentials are returned as warnings outside production and as an error
// in production.
func (c *Config) Validate() ([]string, error) {
	if !supportedDrivers[c.Database.Driver] {
		return nil, fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if _, ok := providerKeyEnv[c.Provider.Name]; !ok {
		return nil, fmt.Errorf("unsupported provider: %q", c.Provider.Name)
	}
	if c.Server.MaxDuration <= 0 {
		return nil, errors.New("server.max_duration must be positive")
	}

	var missing []string
	if c.Provider.APIKey == "" {
		missing = append(missing, fmt.Sprintf("provider api key (set %s_PROVIDER_API_KEY or %s)", envPrefix, providerKeyEnv[c.Provider.Name]))
	}
	if c.Provider.Model == "" {
		missing = append(missing, "provider model")
	}
	if c.Database.DSN == "" {
		missing = append(missing, fmt.Sprintf("database dsn (set %s_DATABASE_DSN)", envPrefix))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		missing = append(missing, fmt.Sprintf("redis address (set %s_REDIS_ADDR)", envPrefix))
	}
	if len(missing) == 0 {
		return nil, nil
	}
	if c.IsProduction() {
		return nil, fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	warnings := make([]string, 0, len(missing))
	for _, m := range missing {
		warnings = append(warnings, "missing "+m)
	}
	return warnings, nil
}

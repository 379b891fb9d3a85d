package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DialogueDirectLine = "directline"
	DialogueOpenAI     = "openai"

	CacheMemory   = "memory"
	CachePostgres = "postgres"
	CacheRedis    = "redis"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Dialogue   DialogueConfig   `mapstructure:"dialogue"`
	DirectLine DirectLineConfig `mapstructure:"directline"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type TelegramConfig struct {
	Token          string `mapstructure:"token"`
	MaxReplyLength int    `mapstructure:"max_reply_length"`
}

type DialogueConfig struct {
	Backend         string        `mapstructure:"backend"`
	PollingInterval time.Duration `mapstructure:"polling_interval"`
}

type DirectLineConfig struct {
	Secret   string `mapstructure:"secret"`
	Endpoint string `mapstructure:"endpoint"`
}

type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	AssistantID string `mapstructure:"assistant_id"`
	Model       string `mapstructure:"model"`
}

type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	ReplyTTL        time.Duration `mapstructure:"reply_ttl"`
	ConversationTTL time.Duration `mapstructure:"conversation_ttl"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type BridgeConfig struct {
	PendingFallback bool `mapstructure:"pending_fallback"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.max_reply_length", 140)
	v.SetDefault("dialogue.backend", DialogueDirectLine)
	v.SetDefault("dialogue.polling_interval", 2*time.Second)
	v.SetDefault("directline.endpoint", "https://directline.botframework.com/v3/directline")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.reply_ttl", 30*time.Second)
	v.SetDefault("cache.conversation_ttl", 300*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", ":9090")
}

// LoadConfig reads the YAML file at path, when given, on top of the
// defaults. Every key can be overridden from the environment, e.g.
// CACHE_BACKEND for cache.backend.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if secret := v.GetString("DIRECTLINE_SECRET"); secret != "" {
		config.DirectLine.Secret = secret
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	return &config, nil
}

// Validate checks that the selected backends have what they need to start.
func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}

	switch c.Dialogue.Backend {
	case DialogueDirectLine:
		if c.DirectLine.Secret == "" {
			errs = append(errs, errors.New("directline.secret is required for the directline backend"))
		}
	case DialogueOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai.api_key is required for the openai backend"))
		}
		if c.OpenAI.AssistantID == "" {
			errs = append(errs, errors.New("openai.assistant_id is required for the openai backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dialogue backend %q", c.Dialogue.Backend))
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CachePostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			errs = append(errs, errors.New("database.host and database.dbname are required for the postgres cache"))
		}
	case CacheRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.Dialogue.PollingInterval <= 0 {
		errs = append(errs, errors.New("dialogue.polling_interval must be positive"))
	}
	if c.Cache.ReplyTTL <= 0 || c.Cache.ConversationTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}

	return errors.Join(errs...)
}

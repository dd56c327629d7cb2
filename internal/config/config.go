// Package config loads auditq settings from defaults, an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/auditq/internal/poller"
	"github.com/spf13/viper"
)

const EnvPrefix = "AUDITQ"

type Config struct {
	Server struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	} `mapstructure:"server"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	// Postgres history is optional; an empty DSN disables it.
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Worker struct {
		ID                  string        `mapstructure:"id"`
		PollInterval        time.Duration `mapstructure:"poll_interval"`
		RetryDelay          time.Duration `mapstructure:"retry_delay"`
		CancelCheckInterval time.Duration `mapstructure:"cancel_check_interval"`
	} `mapstructure:"worker"`

	Audit struct {
		UserAgent       string        `mapstructure:"user_agent"`
		DefaultMaxPages int           `mapstructure:"default_max_pages"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"audit"`

	OpenAI struct {
		APIKey    string `mapstructure:"api_key"`
		Model     string `mapstructure:"model"`
		MaxTokens int    `mapstructure:"max_tokens"`
		Prompt    string `mapstructure:"prompt"`
	} `mapstructure:"openai"`

	Email struct {
		APIKey      string `mapstructure:"api_key"`
		FromName    string `mapstructure:"from_name"`
		FromAddress string `mapstructure:"from_address"`
	} `mapstructure:"email"`

	Client struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"client"`

	Poller poller.Policy `mapstructure:"poller"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// legacyEnv maps config keys to the unprefixed variables older deployments set.
var legacyEnv = map[string]string{
	"server.port":        "PORT",
	"redis.addr":         "POGOCACHE_ADDR",
	"postgres.dsn":       "POSTGRES_DSN",
	"worker.id":          "WORKER_ID",
	"email.api_key":      "EMAIL_API_KEY",
	"email.from_name":    "FROM_NAME",
	"email.from_address": "FROM_ADDRESS",
	"openai.api_key":     "OPENAI_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.metrics_interval", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:9401")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.retry_delay", 10*time.Second)
	v.SetDefault("worker.cancel_check_interval", 2*time.Second)

	v.SetDefault("audit.user_agent", "auditq-crawler/1.0")
	v.SetDefault("audit.default_max_pages", 10)
	v.SetDefault("audit.request_timeout", 15*time.Second)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 2000)
	v.SetDefault("openai.prompt", "")

	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from_name", "auditq")
	v.SetDefault("email.from_address", "")

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.timeout", 15*time.Second)

	policy := poller.DefaultPolicy()
	v.SetDefault("poller.initial_delay", policy.InitialDelay)
	v.SetDefault("poller.base_delay", policy.BaseDelay)
	v.SetDefault("poller.step_increment", policy.StepIncrement)
	v.SetDefault("poller.max_delay", policy.MaxDelay)
	v.SetDefault("poller.max_attempts", policy.MaxAttempts)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. When path is empty an auditq.yaml in the working
// directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("auditq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

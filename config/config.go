// Package config loads service configuration. Defaults are overlaid by an
// optional YAML file and then by FLOWMAESTRO_* environment variables, so
// container deployments can run on env alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "FLOWMAESTRO_"

type (
	// Config is the full service configuration.
	Config struct {
		// HTTP is the API listener.
		HTTP HTTP `yaml:"http"`
		// Database is the Postgres connection.
		Database Database `yaml:"database"`
		// Temporal is the durable engine connection.
		Temporal Temporal `yaml:"temporal"`
		// Redis backs the Pulse event streams. Optional; empty disables the
		// stream sink.
		Redis Redis `yaml:"redis"`
		// Auth holds token and credential secrets.
		Auth Auth `yaml:"auth"`
		// Limits hold admission-control knobs.
		Limits Limits `yaml:"limits"`
		// Models configure the LLM provider clients. Providers without a key
		// are not registered.
		Models Models `yaml:"models"`
		// Debug enables debug-level logging.
		Debug bool `yaml:"debug"`
	}

	// HTTP configures the API listener.
	HTTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// CORSOrigins is the allow-list for browser clients. Empty disables
		// CORS headers.
		CORSOrigins []string `yaml:"cors_origins"`
	}

	// Database configures the Postgres connection.
	Database struct {
		// URL is a postgres:// DSN.
		URL string `yaml:"url"`
	}

	// Temporal configures the durable engine connection.
	Temporal struct {
		Address   string `yaml:"address"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// Redis configures the Pulse stream connection.
	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	}

	// Auth holds the signing and sealing secrets.
	Auth struct {
		// JWTSecret signs and verifies HS256 bearer tokens. Required.
		JWTSecret string `yaml:"jwt_secret"`
		// EncryptionKey seals stored connection credentials. Required when
		// database or integration connections are used.
		EncryptionKey string `yaml:"encryption_key"`
	}

	// Limits hold admission-control knobs. Zero values disable a limit.
	Limits struct {
		// MaxRunningPerUser caps concurrently running executions per user.
		MaxRunningPerUser int `yaml:"max_running_per_user"`
		// WebhookRatePerSecond rate-limits webhook fires per user.
		WebhookRatePerSecond float64 `yaml:"webhook_rate_per_second"`
		// WebhookBurst is the webhook limiter burst size.
		WebhookBurst int `yaml:"webhook_burst"`
	}

	// Models configure the provider clients for llm nodes.
	Models struct {
		OpenAIAPIKey    string `yaml:"openai_api_key"`
		OpenAIModel     string `yaml:"openai_model"`
		AnthropicAPIKey string `yaml:"anthropic_api_key"`
		AnthropicModel  string `yaml:"anthropic_model"`
		BedrockModel    string `yaml:"bedrock_model"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTP{Host: "0.0.0.0", Port: 8080},
		Temporal: Temporal{
			Address:   "localhost:7233",
			Namespace: "default",
			TaskQueue: "flowmaestro",
		},
		Limits: Limits{WebhookBurst: 10},
		Models: Models{
			OpenAIModel:    "gpt-4o-mini",
			AnthropicModel: "claude-sonnet-4-5",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (empty
// skips the file) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the invariants main cannot start without.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret (%sJWT_SECRET) is required", EnvPrefix)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url (%sDATABASE_URL) is required", EnvPrefix)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d is out of range", c.HTTP.Port)
	}
	return nil
}

// ListenAddr returns the host:port the API binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func (c *Config) applyEnv() {
	str := func(key string, into *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*into = v
		}
	}
	num := func(key string, into *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*into = n
			}
		}
	}
	str("LISTEN_HOST", &c.HTTP.Host)
	num("LISTEN_PORT", &c.HTTP.Port)
	if v, ok := os.LookupEnv(EnvPrefix + "CORS_ORIGINS"); ok {
		c.HTTP.CORSOrigins = splitList(v)
	}
	str("DATABASE_URL", &c.Database.URL)
	str("TEMPORAL_ADDRESS", &c.Temporal.Address)
	str("TEMPORAL_NAMESPACE", &c.Temporal.Namespace)
	str("TASK_QUEUE", &c.Temporal.TaskQueue)
	str("REDIS_ADDRESS", &c.Redis.Address)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("ENCRYPTION_KEY", &c.Auth.EncryptionKey)
	num("MAX_RUNNING_PER_USER", &c.Limits.MaxRunningPerUser)
	if v, ok := os.LookupEnv(EnvPrefix + "WEBHOOK_RATE_PER_SECOND"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Limits.WebhookRatePerSecond = f
		}
	}
	num("WEBHOOK_BURST", &c.Limits.WebhookBurst)
	str("OPENAI_API_KEY", &c.Models.OpenAIAPIKey)
	str("OPENAI_MODEL", &c.Models.OpenAIModel)
	str("ANTHROPIC_API_KEY", &c.Models.AnthropicAPIKey)
	str("ANTHROPIC_MODEL", &c.Models.AnthropicModel)
	str("BEDROCK_MODEL", &c.Models.BedrockModel)
	if v, ok := os.LookupEnv(EnvPrefix + "DEBUG"); ok {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

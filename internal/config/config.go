package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DispatchDirect  = "direct"
	DispatchHubOnly = "hub_only"
)

var (
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrMissingEncryptKey   = errors.New("at least one encryption key is required")
	ErrMissingJWTSecret    = errors.New("JWT_SECRET is required in production")
	ErrMissingHubAPIKey    = errors.New("HUB_API_KEY is required when DISPATCH_STRATEGY=hub_only")
	ErrInvalidDispatchMode = errors.New("DISPATCH_STRATEGY must be 'direct' or 'hub_only'")
)

type Config struct {
	Env         string
	AppURL      string
	FrontendURL string

	HTTP     HTTPConfig
	LLM      LLMConfig
	Hub      HubConfig
	Dispatch DispatchConfig
	Webhook  WebhookConfig
	Telegram TelegramConfig
	OAuth    OAuthConfig
	Redis    RedisConfig
	DB       DBConfig
	Worker   WorkerConfig
	Auth     AuthConfig
	Rate     RateConfig
	Crypto   CryptoConfig
	Log      LogConfig
}

func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

type HTTPConfig struct {
	ListenAddr    string
	HealthPath    string
	MetricsPath   string
	ClientTimeout time.Duration
	MaxBodyBytes  int64
}

type LLMConfig struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	MaxRetries  int
	BackoffBase time.Duration
}

type HubConfig struct {
	APIKey       string
	BaseURL      string
	CallbackURL  string
	ConnectURL   string
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

type DispatchConfig struct {
	Strategy string
}

type WebhookConfig struct {
	Secret    string
	DedupeTTL time.Duration
	Async     bool
}

type TelegramConfig struct {
	BotToken string
	APIURL   string
}

type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	SlackClientID      string
	SlackClientSecret  string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	EventStream string
	EventGroup  string
	QueueBlock  time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
}

type AuthConfig struct {
	JWTSecret string
}

type RateConfig struct {
	PerHour int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	appURL := strings.TrimRight(mustEnv("APP_URL", "http://localhost:8080"), "/")
	cfg := &Config{
		Env:         strings.ToLower(mustEnv("APP_ENV", EnvDevelopment)),
		AppURL:      appURL,
		FrontendURL: strings.TrimRight(mustEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
		HTTP: HTTPConfig{
			ListenAddr:    mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:    mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:   mustEnv("METRICS_PATH", "/metrics"),
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxBodyBytes:  mustInt64("HTTP_MAX_BODY_BYTES", 1<<20),
		},
		LLM: LLMConfig{
			Kind:        strings.ToLower(mustEnv("LLM_KIND", "openai_compat")),
			BaseURL:     mustEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      mustEnv("LLM_API_KEY", ""),
			Model:       mustEnv("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens:   mustInt("LLM_MAX_TOKENS", 4096),
			MaxRetries:  mustInt("LLM_MAX_RETRIES", 2),
			BackoffBase: mustDuration("LLM_BACKOFF_BASE", 400*time.Millisecond),
		},
		Hub: HubConfig{
			APIKey:       mustEnv("HUB_API_KEY", ""),
			BaseURL:      strings.TrimRight(mustEnv("HUB_BASE_URL", "https://api.picaos.com/v1"), "/"),
			CallbackURL:  mustEnv("HUB_CALLBACK_URL", appURL+"/hub/callback"),
			ConnectURL:   strings.TrimRight(mustEnv("HUB_CONNECT_URL", "https://app.picaos.com/connections"), "/"),
			PollInterval: mustDuration("HUB_POLL_INTERVAL", 2*time.Second),
			WaitTimeout:  mustDuration("HUB_WAIT_TIMEOUT", 2*time.Minute),
		},
		Dispatch: DispatchConfig{
			Strategy: strings.ToLower(mustEnv("DISPATCH_STRATEGY", DispatchDirect)),
		},
		Webhook: WebhookConfig{
			Secret:    mustEnv("WEBHOOK_SECRET", ""),
			DedupeTTL: mustDuration("WEBHOOK_DEDUPE_TTL", 24*time.Hour),
			Async:     mustBool("WEBHOOK_ASYNC", false),
		},
		Telegram: TelegramConfig{
			BotToken: mustEnv("TELEGRAM_BOT_TOKEN", ""),
			APIURL:   mustEnv("TELEGRAM_API_URL", ""),
		},
		OAuth: OAuthConfig{
			GoogleClientID:     mustEnv("GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret: mustEnv("GOOGLE_CLIENT_SECRET", ""),
			SlackClientID:      mustEnv("SLACK_CLIENT_ID", ""),
			SlackClientSecret:  mustEnv("SLACK_CLIENT_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:        os.Getenv("REDIS_ADDR"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			EventStream: mustEnv("EVENT_STREAM", "autopilot:webhooks"),
			EventGroup:  mustEnv("EVENT_GROUP", "autopilot-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:autopilot.db?_pragma=foreign_keys(1)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
		},
		Auth: AuthConfig{
			JWTSecret: mustEnv("JWT_SECRET", ""),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 60),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Dispatch.Strategy != DispatchDirect && cfg.Dispatch.Strategy != DispatchHubOnly {
		return nil, ErrInvalidDispatchMode
	}
	if cfg.Dispatch.Strategy == DispatchHubOnly && cfg.Hub.APIKey == "" {
		return nil, ErrMissingHubAPIKey
	}
	if cfg.Production() && cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("ENCRYPTION_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse ENCRYPTION_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "ENCRYPTION_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "ENCRYPTION_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "ENCRYPTION_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("ENCRYPTION_KEY_CURRENT_ID", "")
	if singleton := mustEnv("ENCRYPTION_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingEncryptKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode encryption key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("encryption key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("ENCRYPTION_KEY_CURRENT_ID is required when more than one key is configured")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("ENCRYPTION_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}

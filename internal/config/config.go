package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

type Config struct {
	Port      int    `env:"PORT" envDefault:"3000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// WhatsApp Cloud API
	WhatsAppEnabled     bool   `env:"WHATSAPP_ENABLED" envDefault:"true"`
	WhatsAppVerifyToken string `env:"WHATSAPP_VERIFY_TOKEN" envDefault:"mi_verify_2025"`
	VerifySignature     bool   `env:"VERIFY_SIGNATURE" envDefault:"false"`
	AppSecret           string `env:"APP_SECRET"`
	GraphVersion        string `env:"GRAPH_VER" envDefault:"v20.0"`
	WhatsAppPhoneID     string `env:"WHATSAPP_PHONE_ID"`
	WhatsAppToken       string `env:"WHATSAPP_TOKEN"`

	// Telegram channel (optional)
	TelegramBotToken  string  `env:"TELEGRAM_BOT_TOKEN"`
	OperatorUsers     []int64 `env:"OPERATOR_USERS" envSeparator:":"`
	OperatorsFilePath string  `env:"OPERATORS_FILE_PATH" envDefault:"data/operators.json"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// Storage
	StorageBackend Backend       `env:"STORAGE_BACKEND" envDefault:"sqlite"`
	DBPath         string        `env:"DB_PATH" envDefault:"agent_api.db"`
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT" envDefault:"3s"`
	LogFilePath    string        `env:"LOG_FILE_PATH" envDefault:"logs/interactions.jsonl"`

	// Dedup
	DedupBackend  Backend       `env:"DEDUP_BACKEND" envDefault:"memory"`
	DedupCapacity int           `env:"DEDUP_CAPACITY" envDefault:"5000"`
	DedupTTL      time.Duration `env:"DEDUP_TTL" envDefault:"24h"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Orchestration
	FallbackTimeout time.Duration `env:"FALLBACK_TIMEOUT" envDefault:"40s"`
	HandoffTTL      time.Duration `env:"HANDOFF_TTL" envDefault:"300s"`
	PacingDelay     time.Duration `env:"PACING_DELAY" envDefault:"600ms"`
	MaxTypingDelay  time.Duration `env:"MAX_TYPING_DELAY" envDefault:"2s"`

	// Admin surface
	AdminToken string `env:"ADMIN_TOKEN"`

	// Reports
	ReportRecipient string `env:"REPORT_RECIPIENT"`
	ReportCron      string `env:"REPORT_CRON" envDefault:"0 21 * * *"`
}

func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot serve traffic with.
func (c *Config) Validate() error {
	if c.WhatsAppEnabled {
		if c.WhatsAppPhoneID == "" {
			return errors.New("WHATSAPP_PHONE_ID is required when WHATSAPP_ENABLED")
		}
		if c.WhatsAppToken == "" {
			return errors.New("WHATSAPP_TOKEN is required when WHATSAPP_ENABLED")
		}
	}
	if c.VerifySignature && c.AppSecret == "" {
		return errors.New("APP_SECRET is required when VERIFY_SIGNATURE is set")
	}
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderYandex:
	default:
		return errors.Errorf("unknown llm provider: %s", c.LLMProvider)
	}
	switch c.StorageBackend {
	case BackendMemory, BackendSQLite:
	default:
		return errors.Errorf("unknown storage backend: %s", c.StorageBackend)
	}
	switch c.DedupBackend {
	case BackendMemory, BackendRedis:
	default:
		return errors.Errorf("unknown dedup backend: %s", c.DedupBackend)
	}
	if c.DedupCapacity <= 0 {
		return errors.New("DEDUP_CAPACITY must be positive")
	}
	if c.FallbackTimeout >= c.HandoffTTL {
		return errors.New("FALLBACK_TIMEOUT must be shorter than HANDOFF_TTL")
	}
	return nil
}

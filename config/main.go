package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	ProviderGemini    = "gemini"
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderDeepInfra = "deepinfra"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port       string `env:"PORT,default=80"`
	Production bool   `env:"PRODUCTION,default=false"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	LLM      LLM
	Coach    Coach
	Progress Progress
	Postgres Postgres
	Telegram Telegram
	Voice    Voice

	CatalogPath string `env:"CATALOG_PATH"`
}

type LLM struct {
	Provider    string `env:"LLM_PROVIDER,default=gemini"`
	MaxAttempts int    `env:"LLM_MAX_ATTEMPTS,default=1"`

	GeminiKey   string `env:"GEMINI_SECRET_KEY"`
	GeminiModel string `env:"GEMINI_MODEL,default=gemini-2.5-flash"`

	GroqKey   string `env:"GROQ_SECRET_KEY"`
	GroqModel string `env:"GROQ_MODEL,default=moonshotai/kimi-k2-instruct"`

	OpenAIKey   string `env:"OPENAI_SECRET_KEY"`
	OpenAIModel string `env:"OPENAI_MODEL,default=gpt-4o-mini"`

	DeepInfraKey   string `env:"DEEPINFRA_SECRET_KEY"`
	DeepInfraModel string `env:"DEEPINFRA_MODEL,default=meta-llama/Meta-Llama-3.1-70B-Instruct"`
}

type Coach struct {
	Temperature float32       `env:"COACH_TEMPERATURE,default=0.8"`
	SettleDelay time.Duration `env:"COACH_SETTLE_DELAY,default=1200ms"`
}

type Progress struct {
	Backend    string `env:"PROGRESS_BACKEND,default=memory"`
	SQLitePath string `env:"SQLITE_PATH,default=masterclass.db"`
}

type Postgres struct {
	Host     string `env:"POSTGRES_DB_HOST,default=localhost"`
	Port     string `env:"POSTGRES_DB_PORT,default=5432"`
	User     string `env:"POSTGRES_DB_USER"`
	Password string `env:"POSTGRES_DB_PASS"`
	Name     string `env:"POSTGRES_DB_NAME"`
	SSLMode  string `env:"POSTGRES_DB_SSLMODE,default=disable"`
}

func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode,
	)
}

type Voice struct {
	Replies     bool   `env:"VOICE_REPLIES,default=false"`
	CartesiaKey string `env:"CARTESIA_API_KEY"`
	DeepgramKey string `env:"DEEPGRAM_API_KEY"`
}

type Telegram struct {
	BotToken string `env:"TELEGRAM_BOT_TOKEN"`
	Debug    bool   `env:"TELEGRAM_DEBUG,default=false"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (*Config, error) {
	godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom resolves the configuration from a fixed set of values.
func LoadFrom(ctx context.Context, values map[string]string) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(values),
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderGemini, ProviderGroq, ProviderOpenAI, ProviderDeepInfra:
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of gemini, groq, openai, deepinfra", c.LLM.Provider))
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1, got %d", c.LLM.MaxAttempts))
	}

	switch c.Progress.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Postgres.Name == "" {
			errs = append(errs, errors.New("POSTGRES_DB_NAME is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROGRESS_BACKEND %q is not one of memory, postgres, sqlite", c.Progress.Backend))
	}

	if c.Coach.Temperature < 0 || c.Coach.Temperature > 2 {
		errs = append(errs, fmt.Errorf("COACH_TEMPERATURE must be within [0, 2], got %v", c.Coach.Temperature))
	}
	if c.Coach.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("COACH_SETTLE_DELAY must not be negative, got %s", c.Coach.SettleDelay))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// APIKey returns the secret for the configured provider.
func (l LLM) APIKey() string {
	switch l.Provider {
	case ProviderGroq:
		return l.GroqKey
	case ProviderOpenAI:
		return l.OpenAIKey
	case ProviderDeepInfra:
		return l.DeepInfraKey
	default:
		return l.GeminiKey
	}
}

func (l LLM) Model() string {
	switch l.Provider {
	case ProviderGroq:
		return l.GroqModel
	case ProviderOpenAI:
		return l.OpenAIModel
	case ProviderDeepInfra:
		return l.DeepInfraModel
	default:
		return l.GeminiModel
	}
}

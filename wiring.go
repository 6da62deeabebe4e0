package main

import (
	"context"
	"errors"
	"fmt"

	"masterclassdev/academy"
	"masterclassdev/catalog"
	"masterclassdev/coach"
	"masterclassdev/config"
	"masterclassdev/database/postgres"
	"masterclassdev/database/sqlite"
	"masterclassdev/logger"
	"masterclassdev/modelapi"
	"masterclassdev/modelapi/cartesiaapi"
	"masterclassdev/modelapi/deepgramapi"
	"masterclassdev/modelapi/geminiapi"
	"masterclassdev/modelapi/groqapi"
	"masterclassdev/modelapi/openaiapi"
	"masterclassdev/progress"
	"masterclassdev/telegram"

	"go.uber.org/zap"
)

// app holds everything a command needs to run coaching sessions.
type app struct {
	logger  *logger.LogMiddleware
	catalog *catalog.Catalog
	store   progress.Store
	academy *academy.Academy
	closers []func() error
}

func connectApp(ctx context.Context, cfg *config.Config, log *logger.LogMiddleware) (*app, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	a := &app{logger: log, catalog: cat}
	store, closeStore, err := connectStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	model, err := connectModel(ctx, cfg.LLM, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.academy, err = academy.Connect(academy.AcademyConnectProps{
		Logger:      log,
		Catalog:     cat,
		Store:       store,
		Model:       model,
		Temperature: cfg.Coach.Temperature,
		SettleDelay: cfg.Coach.SettleDelay,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Logger(context.Background()).Warn("[App] Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func connectStore(ctx context.Context, cfg *config.Config, log *logger.LogMiddleware) (progress.Store, func() error, error) {
	switch cfg.Progress.Backend {
	case config.BackendPostgres:
		db, err := postgres.Connect(ctx, postgres.DatabaseConnectProps{Logger: log, DSN: cfg.Postgres.DSN()})
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.BackendSQLite:
		db, err := sqlite.Connect(ctx, sqlite.StoreConnectProps{Logger: log, Path: cfg.Progress.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return progress.NewMemoryStore(progress.MemoryStoreConnectProps{Logger: log}), nil, nil
	}
}

func connectModel(ctx context.Context, cfg config.LLM, log *logger.LogMiddleware) (coach.LanguageModel, error) {
	if cfg.APIKey() == "" {
		return nil, fmt.Errorf("no API key configured for LLM_PROVIDER %q", cfg.Provider)
	}

	switch cfg.Provider {
	case config.ProviderGroq:
		return groqapi.Connect(ctx, groqapi.GroqConnectProps{
			Logger:      log,
			APIKey:      cfg.GroqKey,
			Model:       cfg.GroqModel,
			MaxAttempts: cfg.MaxAttempts,
		}), nil
	case config.ProviderOpenAI:
		return openaiapi.Connect(ctx, openaiapi.OpenAIConnectProps{
			Logger:      log,
			APIKey:      cfg.OpenAIKey,
			Model:       cfg.OpenAIModel,
			MaxAttempts: cfg.MaxAttempts,
		}), nil
	case config.ProviderDeepInfra:
		return openaiapi.Connect(ctx, openaiapi.OpenAIConnectProps{
			Logger:      log,
			APIKey:      cfg.DeepInfraKey,
			Model:       cfg.DeepInfraModel,
			MaxAttempts: cfg.MaxAttempts,
			BaseURL:     modelapi.DEEPINFRA_BASE_URL,
		}), nil
	default:
		return geminiapi.Connect(ctx, geminiapi.GeminiConnectProps{
			Logger:      log,
			APIKey:      cfg.GeminiKey,
			Model:       cfg.GeminiModel,
			MaxAttempts: cfg.MaxAttempts,
		})
	}
}

// connectVoice returns the voice-note transcriber and the reply voice, each
// nil when its credentials are missing.
func connectVoice(ctx context.Context, cfg *config.Config, log *logger.LogMiddleware) (telegram.Transcriber, telegram.SpeechFunc) {
	var transcriber telegram.Transcriber
	if cfg.Voice.DeepgramKey != "" {
		transcriber = deepgramapi.Connect(deepgramapi.DeepgramConnectProps{Logger: log, APIKey: cfg.Voice.DeepgramKey})
	}

	if !cfg.Voice.Replies {
		return transcriber, nil
	}
	switch {
	case cfg.Voice.CartesiaKey != "":
		c := cartesiaapi.Connect(ctx, cartesiaapi.CartesiaConnectProps{Logger: log, APIKey: cfg.Voice.CartesiaKey})
		return transcriber, c.GenerateSpeech
	case cfg.LLM.OpenAIKey != "":
		o := openaiapi.Connect(ctx, openaiapi.OpenAIConnectProps{Logger: log, APIKey: cfg.LLM.OpenAIKey})
		return transcriber, func(ctx context.Context, _ string, text string) ([]byte, error) {
			return o.GenerateSpeech(ctx, text)
		}
	default:
		log.Logger(ctx).Warn("[App] VOICE_REPLIES is set but neither CARTESIA_API_KEY nor OPENAI_SECRET_KEY is")
		return transcriber, nil
	}
}

var errNoSeries = errors.New("catalog has no series")

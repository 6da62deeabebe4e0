package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "80", cfg.Port)
	assert.False(t, cfg.Production)
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, 1, cfg.LLM.MaxAttempts)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model())
	assert.InDelta(t, 0.8, cfg.Coach.Temperature, 1e-6)
	assert.Equal(t, 1200*time.Millisecond, cfg.Coach.SettleDelay)
	assert.Equal(t, BackendMemory, cfg.Progress.Backend)
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), map[string]string{
		"PORT":               "8080",
		"LLM_PROVIDER":       "groq",
		"GROQ_SECRET_KEY":    "gsk_test",
		"COACH_SETTLE_DELAY": "0s",
		"PROGRESS_BACKEND":   "postgres",
		"POSTGRES_DB_NAME":   "masterclass",
		"POSTGRES_DB_USER":   "coach",
		"TELEGRAM_DEBUG":     "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gsk_test", cfg.LLM.APIKey())
	assert.Equal(t, "moonshotai/kimi-k2-instruct", cfg.LLM.Model())
	assert.Zero(t, cfg.Coach.SettleDelay)
	assert.True(t, cfg.Telegram.Debug)
	assert.Equal(t, "host=localhost port=5432 user=coach password= dbname=masterclass sslmode=disable", cfg.Postgres.DSN())
}

func TestValidate(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown provider":      {"LLM_PROVIDER": "anthropic-cloud"},
		"unknown backend":       {"PROGRESS_BACKEND": "redis"},
		"postgres without name": {"PROGRESS_BACKEND": "postgres"},
		"zero attempts":         {"LLM_MAX_ATTEMPTS": "0"},
		"temperature too high":  {"COACH_TEMPERATURE": "3.5"},
		"negative settle delay": {"COACH_SETTLE_DELAY": "-1s"},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(context.Background(), values)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromRejectsMalformedValues(t *testing.T) {
	_, err := LoadFrom(context.Background(), map[string]string{"COACH_SETTLE_DELAY": "soon"})
	assert.Error(t, err)
}

package cartesiaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"masterclassdev/httpmiddleware"
	"masterclassdev/logger"
	"masterclassdev/modelapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DEFAULT_URL     = "https://api.cartesia.ai/tts/bytes"
	API_VERSION     = "2024-06-10"
	MODEL_ID        = "sonic-2"
	INDIAN_MAN      = "638efaaa-4d0c-442e-b701-3fae16aad012"
	INDIAN_NARRATOR = "3b554273-4299-48b9-9aaf-eefd438e3941"
)

// Voices maps a coaching persona to its voice.
var Voices = map[string]string{
	"anish": INDIAN_MAN,
	"debu":  INDIAN_NARRATOR,
}

var ErrMissingAPIKey = errors.New("cartesiaapi: CARTESIA_API_KEY not set")

type CartesiaConnectProps struct {
	Logger      *logger.LogMiddleware
	APIKey      string
	MaxAttempts int
	URL         string
}

type Cartesia struct {
	logger      *logger.LogMiddleware
	semaphore   *semaphore.Weighted
	apiKey      string
	url         string
	maxAttempts int
}

type VoiceConfig struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type OutputFormat struct {
	Container  string `json:"container"`
	BitRate    int    `json:"bit_rate"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

type TTSRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        VoiceConfig  `json:"voice"`
	OutputFormat OutputFormat `json:"output_format"`
	Language     string       `json:"language"`
}

func Connect(ctx context.Context, args CartesiaConnectProps) *Cartesia {
	tracer := otel.Tracer("cartesiaapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))
	if args.URL == "" {
		args.URL = DEFAULT_URL
	}

	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers))

	return &Cartesia{
		logger:      args.Logger,
		semaphore:   sem,
		apiKey:      args.APIKey,
		url:         args.URL,
		maxAttempts: max(modelapi.Attempts(args.MaxAttempts), 2),
	}
}

// GenerateSpeech renders text in the voice of characterID as MP3.
func (c *Cartesia) GenerateSpeech(ctx context.Context, characterID string, text string) ([]byte, error) {
	tracer := otel.Tracer("cartesiaapi/GenerateSpeech")
	ctx, span := tracer.Start(ctx, "GenerateSpeech")
	defer span.End()

	log := c.logger.Logger(ctx)

	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	voice, ok := Voices[strings.ToLower(characterID)]
	if !ok {
		voice = INDIAN_NARRATOR
	}
	span.SetAttributes(attribute.String("voice.id", voice), attribute.Int("text.length", len(text)))

	if err := c.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to acquire semaphore: %w", err)
	}
	defer c.semaphore.Release(1)

	jsonData, err := json.Marshal(TTSRequest{
		ModelID:    MODEL_ID,
		Transcript: text,
		Voice:      VoiceConfig{Mode: "id", ID: voice},
		OutputFormat: OutputFormat{
			Container:  "mp3",
			BitRate:    128000,
			SampleRate: 44100,
		},
		Language: "hi",
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		respBody, err = httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
			Context: ctx,
			Method:  "POST",
			Url:     c.url,
			Body:    bytes.NewBuffer(jsonData),
			Headers: map[string]string{
				"X-API-Key":        c.apiKey,
				"Cartesia-Version": API_VERSION,
				"Content-Type":     "application/json",
			},
		})
		if err == nil {
			break
		}

		log.Warn("[Cartesia] Failed to generate speech, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", c.maxAttempts))
		span.RecordError(err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate speech after %d attempts: %w", c.maxAttempts, err)
	}

	log.Info("[Cartesia] Generated speech", zap.Int("audioSize", len(respBody)))
	return respBody, nil
}

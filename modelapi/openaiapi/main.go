package openaiapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"masterclassdev/coach"
	"masterclassdev/logger"
	"masterclassdev/modelapi"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
)

const SPEECH_INSTRUCTION = "Speak like an upbeat startup mentor from Mumbai. Quick, warm, confident. Hinglish words are pronounced naturally."

type OpenAI struct {
	logger    *logger.LogMiddleware
	semaphore *semaphore.Weighted
	client    *openai.Client
	model     string
	name      string
}

type OpenAIConnectProps struct {
	Logger      *logger.LogMiddleware
	APIKey      string
	Model       string
	MaxAttempts int
	// BaseURL points the client at any OpenAI-compatible endpoint, e.g.
	// modelapi.DEEPINFRA_BASE_URL.
	BaseURL string
}

func Connect(ctx context.Context, args OpenAIConnectProps) *OpenAI {
	tracer := otel.Tracer("openaiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))

	if args.Model == "" {
		args.Model = modelapi.OPENAI_MODEL_NAME
	}
	name := "OpenAIAPI"
	opts := []option.RequestOption{
		option.WithAPIKey(args.APIKey),
		option.WithMaxRetries(modelapi.Attempts(args.MaxAttempts) - 1),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if args.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(args.BaseURL))
		if args.BaseURL == modelapi.DEEPINFRA_BASE_URL {
			name = "DeepInfraAPI"
		}
	}

	span.SetAttributes(
		attribute.Int("maxWorkers", maxWorkers),
		attribute.String("model", args.Model),
	)
	client := openai.NewClient(opts...)
	args.Logger.Logger(ctx).Info("["+name+"] Client ready", zap.String("model", args.Model))

	return &OpenAI{logger: args.Logger, semaphore: sem, client: &client, model: args.Model, name: name}
}

// Messages maps a coaching request onto chat completion messages.
func Messages(req coach.GenerateRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	messages = append(messages, openai.SystemMessage(req.SystemInstruction))
	for _, m := range req.History {
		if m.Role == coach.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}
	return messages
}

// Generate implements coach.LanguageModel.
func (d *OpenAI) Generate(ctx context.Context, req coach.GenerateRequest) (string, error) {
	tracer := otel.Tracer("openaiapi/Generate")
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("model", d.model),
		attribute.Int("history.length", len(req.History)),
	)

	if err := d.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to acquire semaphore: %w", err)
	}
	defer d.semaphore.Release(1)

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(d.model),
		Messages:            Messages(req),
		Temperature:         openai.Float(float64(req.Temperature)),
		MaxCompletionTokens: openai.Int(modelapi.MAX_OUTPUT_TOKENS),
	})
	if err != nil {
		span.RecordError(err)
		d.logger.Logger(ctx).Error("["+d.name+"] Chat completion failed", zap.Error(err))
		return "", fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		d.logger.Logger(ctx).Warn("[" + d.name + "] Received empty chat completion")
		span.AddEvent("EmptyResponse")
		return "", modelapi.ErrEmptyResponse
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenerateSpeech renders a coach reply as MP3 for voice replies.
func (d *OpenAI) GenerateSpeech(ctx context.Context, inputText string) ([]byte, error) {
	tracer := otel.Tracer("openaiapi/GenerateSpeech")
	ctx, span := tracer.Start(ctx, "GenerateSpeech")
	defer span.End()

	d.logger.Logger(ctx).Info("["+d.name+"] Generating speech", zap.Int("inputText.length", len(inputText)))

	res, err := d.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		Model:          openai.SpeechModelGPT4oMiniTTS,
		Input:          inputText,
		Voice:          openai.AudioSpeechNewParamsVoiceSage,
		Instructions:   param.Opt[string]{Value: SPEECH_INSTRUCTION},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s speech: %w", strings.ToLower(d.name), err)
	}
	defer res.Body.Close()

	return io.ReadAll(res.Body)
}

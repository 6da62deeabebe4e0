package geminiapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"masterclassdev/coach"
	"masterclassdev/logger"
	"masterclassdev/modelapi"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type GeminiConnectProps struct {
	Logger      *logger.LogMiddleware
	APIKey      string
	Model       string
	MaxAttempts int
	// BaseURL overrides the API endpoint.
	BaseURL string
}

type Gemini struct {
	logger      *logger.LogMiddleware
	client      *genai.Client
	model       string
	maxAttempts int
}

func Connect(ctx context.Context, args GeminiConnectProps) (*Gemini, error) {
	tracer := otel.Tracer("geminiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()
	args.Logger.Logger(ctx).Info("[GeminiAPI] Connecting Gemini API client")

	if args.Model == "" {
		args.Model = modelapi.GEMINI_MODEL_NAME
	}
	span.SetAttributes(attribute.String("model", args.Model))

	cfg := &genai.ClientConfig{
		APIKey:     args.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if args.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: args.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		args.Logger.Logger(ctx).Error("[GeminiAPI] Could not create Gemini client", zap.Error(err))
		return nil, fmt.Errorf("geminiapi: %w", err)
	}

	return &Gemini{
		logger:      args.Logger,
		client:      client,
		model:       args.Model,
		maxAttempts: modelapi.Attempts(args.MaxAttempts),
	}, nil
}

// Contents maps a coaching history onto Gemini turns. Assistant turns use
// the "model" role.
func Contents(history []coach.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == coach.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	return contents
}

// Generate implements coach.LanguageModel.
func (g *Gemini) Generate(ctx context.Context, req coach.GenerateRequest) (string, error) {
	tracer := otel.Tracer("geminiapi/Generate")
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	span.SetAttributes(
		attribute.Int("history.length", len(req.History)),
		attribute.Float64("temperature", float64(req.Temperature)),
	)

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(req.Temperature),
		MaxOutputTokens:   modelapi.MAX_OUTPUT_TOKENS,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
	contents := Contents(req.History)

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		span.AddEvent("Attempt", trace.WithAttributes(attribute.Int("attemptNumber", attempt+1)))

		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
		switch {
		case err != nil:
			lastErr = err
			span.RecordError(err)
			g.logger.Logger(ctx).Warn("[GeminiAPI] Error generating LLM content",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Int("maxAttempts", g.maxAttempts))
		case resp == nil || strings.TrimSpace(resp.Text()) == "":
			lastErr = modelapi.ErrEmptyResponse
			span.AddEvent("EmptyResponse")
			g.logger.Logger(ctx).Warn("[GeminiAPI] Received empty or invalid LLM response",
				zap.Int("attempt", attempt+1),
				zap.Int("maxAttempts", g.maxAttempts))
		default:
			span.AddEvent("LLM generation successful")
			return resp.Text(), nil
		}

		if attempt < g.maxAttempts-1 {
			delay := modelapi.ExponentialBackoff(attempt)
			span.AddEvent("Backoff", trace.WithAttributes(attribute.Int64("delayMs", delay.Milliseconds())))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	g.logger.Logger(ctx).Error("[GeminiAPI] Giving up on LLM content", zap.Error(lastErr))
	return "", fmt.Errorf("geminiapi: %w", lastErr)
}

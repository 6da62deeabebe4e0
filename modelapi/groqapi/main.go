package groqapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"masterclassdev/coach"
	"masterclassdev/httpmiddleware"
	"masterclassdev/logger"
	"masterclassdev/modelapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	ASSISTANT = "assistant"
	SYSTEM    = "system"
	USER      = "user"

	DEFAULT_URL = "https://api.groq.com/openai/v1/chat/completions"
)

type ChatCompletionInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequestInput struct {
	Model       string                       `json:"model"`
	Messages    []ChatCompletionInputMessage `json:"messages"`
	MaxTokens   int                          `json:"max_tokens"`
	Temperature float32                      `json:"temperature"`
}

type GroqResponse struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GroqConnectProps struct {
	Logger      *logger.LogMiddleware
	APIKey      string
	Model       string
	MaxAttempts int
	// URL overrides the chat completions endpoint.
	URL string
}

type Groq struct {
	logger      *logger.LogMiddleware
	semaphore   *semaphore.Weighted
	apiKey      string
	model       string
	url         string
	maxAttempts int
}

func Connect(ctx context.Context, args GroqConnectProps) *Groq {
	tracer := otel.Tracer("groqapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))

	if args.Model == "" {
		args.Model = modelapi.GROQ_MODEL_NAME
	}
	if args.URL == "" {
		args.URL = DEFAULT_URL
	}

	span.SetAttributes(
		attribute.Int("maxWorkers", maxWorkers),
		attribute.String("model", args.Model),
	)
	args.Logger.Logger(ctx).Info("[Groq-API] Groq client ready", zap.String("model", args.Model))

	return &Groq{
		logger:      args.Logger,
		semaphore:   sem,
		apiKey:      args.APIKey,
		model:       args.Model,
		url:         args.URL,
		maxAttempts: modelapi.Attempts(args.MaxAttempts),
	}
}

// BuildMessages prepends the system instruction to the coaching history.
func BuildMessages(req coach.GenerateRequest) []ChatCompletionInputMessage {
	messages := make([]ChatCompletionInputMessage, 0, len(req.History)+1)
	messages = append(messages, ChatCompletionInputMessage{Role: SYSTEM, Content: req.SystemInstruction})
	for _, m := range req.History {
		role := USER
		if m.Role == coach.RoleAssistant {
			role = ASSISTANT
		}
		messages = append(messages, ChatCompletionInputMessage{Role: role, Content: m.Text})
	}
	return messages
}

func (o *Groq) MakeAPIRequest(ctx context.Context, input ChatRequestInput) (*GroqResponse, error) {
	tracer := otel.Tracer("groqapi/MakeAPIRequest")
	ctx, span := tracer.Start(ctx, "MakeAPIRequest")
	defer span.End()

	span.SetAttributes(
		attribute.String("api.url", o.url),
		attribute.Int("request.max_tokens", input.MaxTokens),
		attribute.String("request.model", input.Model),
		attribute.Int("attempts", o.maxAttempts),
	)

	jsonData, err := json.Marshal(input)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not generate request body: %w", err)
	}

	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to acquire semaphore: %w", err)
	}
	defer o.semaphore.Release(1)

	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := modelapi.ExponentialBackoff(attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		respBody, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
			Context: ctx,
			Method:  "POST",
			Url:     o.url,
			Body:    bytes.NewBuffer(jsonData),
			Headers: map[string]string{
				"authorization": "Bearer " + o.apiKey,
				"content-type":  "application/json",
			},
		})
		if err != nil {
			lastErr = err
			span.RecordError(err)
			o.logger.Logger(ctx).Error("[Groq-API] Could not make request to Groq",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Int("maxAttempts", o.maxAttempts),
			)
			var statusErr *httpmiddleware.StatusError
			if errors.As(err, &statusErr) && !statusErr.Retryable() {
				break
			}
			continue
		}

		var messageResponse GroqResponse
		if err := json.Unmarshal(respBody, &messageResponse); err != nil || len(messageResponse.Choices) == 0 {
			if err == nil {
				err = modelapi.ErrEmptyResponse
			}
			lastErr = err
			span.RecordError(err)
			o.logger.Logger(ctx).Error("[Groq-API] Could not parse Groq response",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.String("response_body", string(respBody)),
			)
			continue
		}

		span.AddEvent("Request successful")
		return &messageResponse, nil
	}

	span.AddEvent("All attempts exhausted")
	return nil, fmt.Errorf("groq request failed: %w", lastErr)
}

// Generate implements coach.LanguageModel.
func (o *Groq) Generate(ctx context.Context, req coach.GenerateRequest) (string, error) {
	tracer := otel.Tracer("groqapi/Generate")
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	span.SetAttributes(attribute.Int("conversation_history_length", len(req.History)))

	resp, err := o.MakeAPIRequest(ctx, ChatRequestInput{
		Model:       o.model,
		MaxTokens:   modelapi.MAX_OUTPUT_TOKENS,
		Temperature: req.Temperature,
		Messages:    BuildMessages(req),
	})
	if err != nil {
		return "", err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", modelapi.ErrEmptyResponse
	}
	return content, nil
}

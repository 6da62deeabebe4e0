package deepgramapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"masterclassdev/logger"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"go.uber.org/zap"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrNoTranscript = errors.New("deepgramapi: no transcription found in response")

const (
	defaultModel    = "nova-3"
	defaultLanguage = "multi"
)

type DeepgramConnectProps struct {
	Logger   *logger.LogMiddleware
	APIKey   string
	Model    string
	Language string
}

type DeepgramAPI struct {
	logger  *logger.LogMiddleware
	dg      *api.Client
	options interfaces.PreRecordedTranscriptionOptions
}

// Connect builds a pre-recorded transcription client. An empty APIKey falls
// back to DEEPGRAM_API_KEY in the environment.
func Connect(args DeepgramConnectProps) *DeepgramAPI {
	if args.Model == "" {
		args.Model = defaultModel
	}
	if args.Language == "" {
		args.Language = defaultLanguage
	}

	return &DeepgramAPI{
		logger: args.Logger,
		dg:     api.New(client.NewREST(args.APIKey, &interfaces.ClientOptions{})),
		options: interfaces.PreRecordedTranscriptionOptions{
			Punctuate:   true,
			SmartFormat: true,
			Language:    args.Language,
			Model:       args.Model,
		},
	}
}

// Transcribe turns a learner's voice note into the text submitted to the
// coaching session.
func (d *DeepgramAPI) Transcribe(ctx context.Context, audioData []byte) (string, error) {
	tracer := otel.Tracer("deepgramapi/Transcribe")
	ctx, span := tracer.Start(ctx, "Transcribe")
	defer span.End()

	span.SetAttributes(
		attribute.Int("audio.data.size", len(audioData)),
		attribute.String("deepgram.model", d.options.Model),
	)
	log := d.logger.Logger(ctx)

	if len(audioData) == 0 {
		span.RecordError(ErrNoTranscript)
		return "", ErrNoTranscript
	}

	options := d.options
	res, err := d.dg.FromStream(ctx, bytes.NewReader(audioData), &options)
	if err != nil {
		log.Error("[Deepgram] Transcription failed", zap.Error(err))
		span.RecordError(err)
		return "", fmt.Errorf("deepgram transcription failed: %w", err)
	}

	var text string
	if res != nil && res.Results != nil {
	channels:
		for _, ch := range res.Results.Channels {
			for _, alt := range ch.Alternatives {
				if text = strings.TrimSpace(alt.Transcript); text != "" {
					break channels
				}
			}
		}
	}
	if text == "" {
		log.Warn("[Deepgram] Voice note had no speech")
		span.AddEvent("Empty transcript")
		return "", ErrNoTranscript
	}

	log.Info("[Deepgram] Transcribed voice note", zap.Int("transcription.length", len(text)))
	span.AddEvent("Transcribed", trace.WithAttributes(attribute.Int("transcription.length", len(text))))
	return text, nil
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"masterclassdev/academy"
	"masterclassdev/coach"
	"masterclassdev/httpmiddleware"
	"masterclassdev/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxWorkers = 10

var ErrMissingToken = errors.New("telegram: TELEGRAM_BOT_TOKEN not set")

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// SpeechFunc renders a coach reply in the character's voice as MP3.
type SpeechFunc func(ctx context.Context, characterID string, text string) ([]byte, error)

type TelegramConnectProps struct {
	Logger      *logger.LogMiddleware
	Token       string
	Debug       bool
	Academy     *academy.Academy
	Transcriber Transcriber
	Speak       SpeechFunc
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Telegram struct {
	logger      *logger.LogMiddleware
	api         *tgbotapi.BotAPI
	bot         botAPI
	academy     *academy.Academy
	transcriber Transcriber
	speak       SpeechFunc
	download    func(ctx context.Context, url string) ([]byte, error)
}

func Connect(ctx context.Context, args TelegramConnectProps) (*Telegram, error) {
	tracer := otel.Tracer("telegram/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	if args.Token == "" {
		return nil, ErrMissingToken
	}

	bot, err := tgbotapi.NewBotAPI(args.Token)
	if err != nil {
		span.RecordError(err)
		args.Logger.Logger(ctx).Error("[Telegram] Failed to create bot", zap.Error(err))
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	bot.Debug = args.Debug

	span.SetAttributes(
		attribute.String("bot.username", bot.Self.UserName),
		attribute.Bool("bot.debug", args.Debug),
	)

	args.Logger.Logger(ctx).Info("[Telegram] Bot connected",
		zap.String("username", bot.Self.UserName),
		zap.Bool("debug", args.Debug),
	)

	t := newTelegram(bot, args)
	t.api = bot
	return t, nil
}

func newTelegram(bot botAPI, args TelegramConnectProps) *Telegram {
	return &Telegram{
		logger:      args.Logger,
		bot:         bot,
		academy:     args.Academy,
		transcriber: args.Transcriber,
		speak:       args.Speak,
		download:    download,
	}
}

func download(ctx context.Context, url string) ([]byte, error) {
	return httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Context: ctx,
		Method:  "GET",
		Url:     url,
	})
}

// Listen handles updates until ctx is cancelled. Updates from different
// chats are handled concurrently.
func (t *Telegram) Listen(ctx context.Context) error {
	tracer := otel.Tracer("telegram/Listen")
	ctx, span := tracer.Start(ctx, "Listen")
	defer span.End()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)

	t.logger.Logger(ctx).Info("[Telegram] Starting message listener")

	g := new(errgroup.Group)
	g.SetLimit(maxWorkers)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			t.logger.Logger(ctx).Info("[Telegram] Shutting down listener")
			t.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				t.handleUpdate(ctx, update)
				return nil
			})
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	tracer := otel.Tracer("telegram/handleUpdate")
	ctx, span := tracer.Start(ctx, "handleUpdate")
	defer span.End()

	switch {
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func learnerID(user *tgbotapi.User) string {
	return strconv.FormatInt(user.ID, 10)
}

func (t *Telegram) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	tracer := otel.Tracer("telegram/handleMessage")
	ctx, span := tracer.Start(ctx, "handleMessage")
	defer span.End()

	if message.From == nil {
		return
	}

	user := message.From
	chatID := message.Chat.ID
	kind := "text"
	if message.Voice != nil {
		kind = "voice"
	}
	span.SetAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("user.username", user.UserName),
		attribute.String("message.type", kind),
	)

	t.logger.Logger(ctx).Info("[Telegram] Received message",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.UserName),
		zap.String("type", kind),
	)

	if message.IsCommand() {
		t.handleCommand(ctx, chatID, learnerID(user), message.Command())
		return
	}

	text := message.Text
	if message.Voice != nil {
		transcript, err := t.transcribe(ctx, message.Voice.FileID)
		if err != nil {
			span.RecordError(err)
			t.logger.Logger(ctx).Warn("[Telegram] Could not transcribe voice note", zap.Error(err))
			t.send(ctx, tgbotapi.NewMessage(chatID, voiceFailedText))
			return
		}
		text = transcript
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	t.chat(ctx, chatID, learnerID(user), text)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, learner string, command string) {
	switch command {
	case "start", "series":
		t.send(ctx, seriesListMessage(chatID, t.academy.Catalog().List()))
	case "progress":
		list, err := t.academy.Progress(ctx, learner)
		if err != nil {
			t.logger.Logger(ctx).Error("[Telegram] Could not load progress", zap.Error(err))
			t.send(ctx, tgbotapi.NewMessage(chatID, storeFailedText))
			return
		}
		t.send(ctx, progressMessage(chatID, list))
	case "skip":
		session, ok := t.academy.Current(learner)
		if !ok {
			t.send(ctx, tgbotapi.NewMessage(chatID, noSessionText))
			return
		}
		if _, err := t.academy.Skip(ctx, session.ID()); err != nil {
			t.logger.Logger(ctx).Warn("[Telegram] Skip failed", zap.Error(err))
		}
	default:
		t.send(ctx, tgbotapi.NewMessage(chatID, helpText))
	}
}

func (t *Telegram) chat(ctx context.Context, chatID int64, learner string, text string) {
	session, ok := t.academy.Current(learner)
	if !ok {
		t.send(ctx, tgbotapi.NewMessage(chatID, noSessionText))
		return
	}

	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Logger(ctx).Debug("[Telegram] Could not send typing action", zap.Error(err))
	}

	res, err := t.academy.Submit(ctx, session.ID(), text)
	switch {
	case errors.Is(err, coach.ErrTurnInFlight):
		t.send(ctx, tgbotapi.NewMessage(chatID, inFlightText))
		return
	case errors.Is(err, coach.ErrSessionNotActive), errors.Is(err, coach.ErrSessionClosed), errors.Is(err, academy.ErrUnknownSession):
		t.send(ctx, tgbotapi.NewMessage(chatID, lockingText))
		return
	case err != nil:
		t.logger.Logger(ctx).Error("[Telegram] Submit failed", zap.Error(err))
		return
	}
	if res.Reply == nil {
		return
	}

	t.send(ctx, tgbotapi.NewMessage(chatID, res.Reply.Text))
	if t.speak != nil && !res.Fallback {
		t.sendVoice(ctx, chatID, session.Persona().CharacterID, res.Reply.Text)
	}
}

func (t *Telegram) sendVoice(ctx context.Context, chatID int64, characterID string, text string) {
	audio, err := t.speak(ctx, characterID, text)
	if err != nil {
		t.logger.Logger(ctx).Warn("[Telegram] Voice reply failed", zap.Error(err))
		return
	}
	t.send(ctx, tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{Name: "reply.mp3", Bytes: audio}))
}

func (t *Telegram) transcribe(ctx context.Context, fileID string) (string, error) {
	if t.transcriber == nil {
		return "", errors.New("telegram: voice notes are not enabled")
	}
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("telegram: voice file url: %w", err)
	}
	audio, err := t.download(ctx, url)
	if err != nil {
		return "", fmt.Errorf("telegram: download voice note: %w", err)
	}
	return t.transcriber.Transcribe(ctx, audio)
}

func (t *Telegram) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	tracer := otel.Tracer("telegram/handleCallbackQuery")
	ctx, span := tracer.Start(ctx, "handleCallbackQuery")
	defer span.End()

	if query.From == nil || query.Message == nil {
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", query.From.ID),
		attribute.String("user.username", query.From.UserName),
		attribute.String("callback.data", query.Data),
	)

	t.logger.Logger(ctx).Info("[Telegram] Received callback query",
		zap.Int64("user_id", query.From.ID),
		zap.String("username", query.From.UserName),
		zap.String("data", query.Data),
	)

	// Acknowledge the callback
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		t.logger.Logger(ctx).Debug("[Telegram] Could not acknowledge callback", zap.Error(err))
	}

	chatID := query.Message.Chat.ID
	learner := learnerID(query.From)
	action, seriesID, _ := strings.Cut(query.Data, ":")

	switch action {
	case actionSeries:
		profile, err := t.academy.Profile(ctx, learner, seriesID)
		if err != nil {
			t.logger.Logger(ctx).Warn("[Telegram] Could not load series profile", zap.Error(err))
			t.send(ctx, tgbotapi.NewMessage(chatID, unknownSeriesText))
			return
		}
		t.send(ctx, profileMessage(chatID, profile))
	case actionPlay:
		profile, err := t.academy.Profile(ctx, learner, seriesID)
		if err != nil {
			t.send(ctx, tgbotapi.NewMessage(chatID, unknownSeriesText))
			return
		}
		t.send(ctx, playMessage(chatID, profile))
	case actionChat:
		session, err := t.academy.Open(ctx, academy.OpenArgs{
			LearnerID:  learner,
			SeriesID:   seriesID,
			OnFinished: func(f academy.Finished) { t.finished(chatID, f) },
		})
		if err != nil {
			span.RecordError(err)
			t.logger.Logger(ctx).Error("[Telegram] Could not open session", zap.Error(err))
			t.send(ctx, tgbotapi.NewMessage(chatID, unknownSeriesText))
			return
		}
		t.send(ctx, tgbotapi.NewMessage(chatID, session.Transcript()[0].Text))
	}
}

func (t *Telegram) finished(chatID int64, f academy.Finished) {
	t.send(context.Background(), finishedMessage(chatID, f))
}

func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) {
	if _, err := t.bot.Send(c); err != nil {
		t.logger.Logger(ctx).Error("[Telegram] Failed to send message", zap.Error(err))
	}
}

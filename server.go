package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"masterclassdev/catalog"
	"masterclassdev/config"
	"masterclassdev/logger"
	"masterclassdev/restapi"
	"masterclassdev/telegram"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperdxio/opentelemetry-logs-go/exporters/otlp/otlplogs"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"github.com/hyperdxio/otel-config-go/otelconfig"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and, when a bot token is set, the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		return fmt.Errorf("error setting up OTel SDK: %w", err)
	}
	defer otelShutdown()

	logExporter, _ := otlplogs.NewExporter(ctx)
	loggerProvider := sdk.NewLoggerProvider(sdk.WithBatcher(logExporter))
	defer loggerProvider.Shutdown(context.Background())

	LogMiddleware := logger.Connect(logger.LoggerConnectProps{
		Production:     cfg.Production,
		Level:          cfg.LogLevel,
		LoggerProvider: loggerProvider,
	})
	defer LogMiddleware.Sync()
	Logger := LogMiddleware.Logger(ctx)

	app, err := connectApp(ctx, cfg, LogMiddleware)
	if err != nil {
		Logger.Error("[Server] Could not start", zap.Error(err))
		return err
	}
	defer app.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.CatalogPath != "" {
		g.Go(func() error {
			return app.catalog.Watch(ctx, catalog.WatchProps{
				Path:   cfg.CatalogPath,
				Logger: LogMiddleware,
				OnReload: func(series []catalog.Series) {
					Logger.Info("[Catalog] Reloaded", zap.Int("series", len(series)))
				},
			})
		})
	}

	if cfg.Telegram.BotToken != "" {
		transcriber, speak := connectVoice(ctx, cfg, LogMiddleware)
		bot, err := telegram.Connect(ctx, telegram.TelegramConnectProps{
			Logger:      LogMiddleware,
			Token:       cfg.Telegram.BotToken,
			Debug:       cfg.Telegram.Debug,
			Academy:     app.academy,
			Transcriber: transcriber,
			Speak:       speak,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return bot.Listen(ctx) })
	} else {
		Logger.Info("[Telegram] TELEGRAM_BOT_TOKEN not set, bot disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           restapi.Connect(restapi.ServerConnectProps{Logger: LogMiddleware, Academy: app.academy}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		Logger.Info("[Server] Listening", zap.String("port", cfg.Port), zap.Bool("production", cfg.Production))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		Logger.Info("[Server] Shutting down")
		app.academy.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

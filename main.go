package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	tg "github.com/mymmrac/telego"

	"telegram-random-image-bot/bot"
	"telegram-random-image-bot/config"
	"telegram-random-image-bot/imagestore"
	"telegram-random-image-bot/lolicon"
	"telegram-random-image-bot/stats"
)

const (
	drainTimeout           = 30 * time.Second
	metricsShutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	slog.SetLogLoggerLevel(cfg.SlogLevel())

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			slog.Error("Cannot initialize sentry", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := run(cfg); err != nil {
		slog.Error("Running bot finished with an error", "error", err)
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := imagestore.New(
		cfg.Store.Dir,
		imagestore.WithFetchTimeout(cfg.Store.FetchTimeout),
		imagestore.WithMaxBytes(cfg.Store.MaxBytes),
	)
	if err != nil {
		return err
	}

	var statsOpts []stats.Option
	if cfg.Metrics.OTLPEndpoint != "" {
		mp, err := stats.NewMeterProvider(ctx, cfg.Metrics.ExportInterval)
		if err != nil {
			return fmt.Errorf("init metrics exporter: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()

			if err := mp.Shutdown(shutdownCtx); err != nil {
				slog.Error("Cannot flush metrics", "error", err)
			}
		}()
		statsOpts = append(statsOpts, stats.WithMeterProvider(mp))
	}

	st := stats.NewStats(statsOpts...)

	// leftovers of a previous run that did not shut down cleanly
	if processed, reclaimed := store.Drain(ctx); processed > 0 {
		st.ImagesDrained(reclaimed)
		slog.Info("Removed stale images", "processed", processed, "reclaimed", reclaimed)
	}

	source := lolicon.NewClient(
		cfg.Source.APIURL,
		lolicon.WithTimeout(cfg.Source.Timeout),
		lolicon.WithRatePerMinute(cfg.Source.RatePerMinute),
		lolicon.WithDefaultRequest(lolicon.Request{
			R18:         cfg.Source.R18,
			Num:         1,
			Tags:        cfg.Source.Tags,
			Size:        cfg.Source.Size,
			UID:         cfg.Source.UIDs,
			Keyword:     cfg.Source.Keyword,
			Proxy:       cfg.Source.Proxy,
			ExcludeAI:   cfg.Source.ExcludeAI,
			AspectRatio: cfg.Source.AspectRatio,
		}),
	)

	telegramApi, err := tg.NewBot(cfg.Bot.Telegram.Token, tg.WithLogger(bot.NewLogger("telego", cfg.Bot.Telegram.Token)))
	if err != nil {
		return err
	}

	botService := bot.NewBot(telegramApi, source, store, st, cfg.Bot)

	runErr := botService.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	processed, reclaimed := store.Drain(drainCtx)
	st.ImagesDrained(reclaimed)
	slog.Info("Bot terminated, cleaned up images", "processed", processed, "reclaimed", reclaimed)

	return runErr
}

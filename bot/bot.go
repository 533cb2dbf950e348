package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/sync/semaphore"

	"telegram-random-image-bot/config"
	"telegram-random-image-bot/stats"
)

var (
	ErrGetMe          = errors.New("cannot retrieve api user")
	ErrUpdatesChannel = errors.New("cannot get updates channel")
	ErrHandlerInit    = errors.New("cannot initialize handler")
)

const stopTimeout = 30 * time.Second

type botInfo struct {
	ID       int64
	Username string
	Name     string
}

type Bot struct {
	api      *telego.Bot
	store    ImageStore
	delivery *delivery
	stats    *stats.Stats
	cfg      config.BotConfig
	me       botInfo

	// caps the number of deliveries in flight
	inflight *semaphore.Weighted
}

func NewBot(
	api *telego.Bot,
	source ImageSource,
	store ImageStore,
	st *stats.Stats,
	cfg config.BotConfig,
) *Bot {
	return &Bot{
		api:   api,
		store: store,
		delivery: &delivery{
			source:       source,
			store:        store,
			stats:        st,
			reclaimGrace: cfg.ReclaimGrace,
		},
		stats:    st,
		cfg:      cfg,
		inflight: semaphore.NewWeighted(int64(max(1, cfg.MaxConcurrentRequests))),
	}
}

// Run polls for updates until ctx is cancelled. It returns once every running
// handler has finished.
func (b *Bot) Run(ctx context.Context) error {
	botUser, err := b.api.GetMe(ctx)
	if err != nil {
		slog.Error("bot: Cannot retrieve api user", "error", err)
		sentry.CaptureException(err)

		return ErrGetMe
	}

	slog.Info("bot: Running api as", "id", botUser.ID, "username", botUser.Username, "name", botUser.FirstName, "is_bot", botUser.IsBot)
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "telegram-api",
		Message:  "Bot ID: " + strconv.FormatInt(botUser.ID, 10),
		Level:    sentry.LevelInfo,
	})

	b.me = botInfo{
		ID:       botUser.ID,
		Username: botUser.Username,
		Name:     botUser.FirstName,
	}

	updates, err := b.api.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		slog.Error("bot: Cannot get update channel", "error", err)
		sentry.CaptureException(err)

		return ErrUpdatesChannel
	}

	bh, err := b.newHandler(updates)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()

		slog.Info("bot: Stopping update handler")

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		if err := bh.StopWithContext(stopCtx); err != nil {
			slog.Error("bot: Update handler did not stop cleanly", "error", err)
		}
	}()

	if err := bh.Start(); err != nil {
		return fmt.Errorf("bot handler: %w", err)
	}

	return nil
}

// newHandler wires middlewares and handlers on top of an update stream.
func (b *Bot) newHandler(updates <-chan telego.Update) (*th.BotHandler, error) {
	bh, err := th.NewBotHandler(b.api, updates)
	if err != nil {
		slog.Error("bot: Cannot initialize bot handler", "error", err)
		sentry.CaptureException(err)

		return nil, ErrHandlerInit
	}

	// Middlewares
	bh.Use(b.panicRecoverer)
	bh.Use(b.chatTypeStatsCounter)

	// Command handlers
	bh.HandleMessage(b.startHandler, th.CommandEqual("start"), b.commandForThisBot())
	bh.HandleMessage(b.helpHandler, th.CommandEqual("help"), b.commandForThisBot())
	bh.HandleMessage(b.statsHandler, th.CommandEqual("stats"), b.commandForThisBot())
	bh.HandleMessage(b.drainHandler, th.CommandEqual("drain"), b.commandForThisBot())
	bh.HandleMessage(b.imageHandler, th.CommandEqual("image"), b.commandForThisBot())
	bh.HandleMessage(b.imageHandler, AnyMessageWithKeyword(b.cfg.TriggerKeywords))

	return bh, nil
}

func (b *Bot) imageHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /image", "chat", message.Chat.ID)

	b.stats.Trigger()

	if !b.inflight.TryAcquire(1) {
		slog.Warn("bot: Too many deliveries in flight", "chat", message.Chat.ID)
		b.stats.BusyRejection()
		b.sendText(ctx, message, outcomeBusy.Reply())

		return nil
	}
	defer b.inflight.Release(1)

	b.sendText(ctx, message, ackReply)

	result := b.runWithTimeout(ctx, tu.ID(message.Chat.ID), func(ctx context.Context) outcome {
		return b.delivery.run(ctx, b.photoSender(message))
	})

	slog.Info("bot: Delivery finished", "chat", message.Chat.ID, "outcome", result.String())

	b.sendText(ctx, message, result.Reply())

	return nil
}

func (b *Bot) helpHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /help")

	b.sendText(ctx, message,
		"Instructions:\r\n"+
			"/image - Get a random image\r\n"+
			"/stats - Show bot stats\r\n"+
			"/help - Show this help\r\n\r\n"+
			"A message containing one of the trigger words works as well.",
	)

	return nil
}

func (b *Bot) startHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /start")

	b.sendText(ctx, message,
		"Hey!\r\n"+
			"Check out /help to learn how to use this bot.",
	)

	return nil
}

func (b *Bot) statsHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /stats")

	_, err := b.api.SendMessage(ctx, b.reply(message, tu.Message(
		tu.ID(message.Chat.ID),
		"Current bot stats:\r\n"+
			"```json\r\n"+
			b.stats.String()+"\r\n"+
			"```",
	)).WithParseMode("Markdown"))
	if err != nil {
		slog.Error("bot: Cannot send a message", "error", err)
		sentry.CaptureException(err)
	}

	return nil
}

func (b *Bot) drainHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /drain")

	if !b.isFromAdmin(message) {
		slog.Warn("bot: /drain from non-admin", "chat", message.Chat.ID)

		return nil
	}

	processed, reclaimed := b.store.Drain(ctx)
	b.stats.ImagesDrained(reclaimed)

	slog.Info("bot: Manual cleanup finished", "processed", processed, "reclaimed", reclaimed)

	b.sendText(ctx, message, fmt.Sprintf("Cleaned up %d of %d images.", reclaimed, processed))

	return nil
}

package bot

import (
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
)

func (b *Bot) chatTypeStatsCounter(ctx *th.Context, update telego.Update) error {
	message := update.Message

	if message == nil {
		slog.Debug("chat-type-middleware: update has no message. skipping.")

		return ctx.Next(update)
	}

	slog.Debug("chat-type-middleware: counting message chat type in stats", "type", message.Chat.Type)

	switch message.Chat.Type {
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		b.stats.GroupRequest()
	case telego.ChatTypePrivate:
		b.stats.PrivateRequest()
	}

	return ctx.Next(update)
}

// panicRecoverer keeps a failing handler from dropping the request silently:
// the user still gets the internal error reply.
func (b *Bot) panicRecoverer(ctx *th.Context, update telego.Update) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		slog.Error("panic-middleware: handler panicked", "update_id", update.UpdateID, "panic", recovered)
		sentry.CurrentHub().Recover(recovered)

		if update.Message != nil {
			b.sendText(ctx, *update.Message, outcomeInternalError.Reply())
		}

		err = fmt.Errorf("handler panic: %v", recovered)
	}()

	return ctx.Next(update)
}

package bot

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	t "github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"telegram-random-image-bot/lolicon"
)

const (
	maxCaptionTitleRunes = 200
	chatActionInterval   = 5 * time.Second
)

func (b *Bot) reply(originalMessage t.Message, newMessage *t.SendMessageParams) *t.SendMessageParams {
	return newMessage.WithReplyParameters(&t.ReplyParameters{
		MessageID: originalMessage.MessageID,
	})
}

func (b *Bot) sendText(ctx context.Context, message t.Message, text string) {
	_, err := b.api.SendMessage(ctx, b.reply(message, tu.Message(
		tu.ID(message.Chat.ID),
		text,
	)))
	if err != nil {
		slog.Error("bot: Cannot send a message", "chat", message.Chat.ID, "error", err)
		sentry.CaptureException(err)
	}
}

func (b *Bot) sendChatAction(ctx context.Context, chatId t.ChatID, action string) {
	slog.Debug("bot: Setting chat action", "action", action)

	err := b.api.SendChatAction(ctx, tu.ChatAction(chatId, action))
	if err != nil {
		slog.Error("bot: Cannot set chat action", "error", err)
		sentry.CaptureException(err)
	}
}

func (b *Bot) sendChatActionUntil(ctx context.Context, chatId t.ChatID, action string) {
	b.sendChatAction(ctx, chatId, action)
	ticker := time.NewTicker(chatActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sendChatAction(ctx, chatId, action)
		}
	}
}

// runWithTimeout wraps the delivery with upload feedback and the processing deadline.
func (b *Bot) runWithTimeout(baseCtx context.Context, chatId t.ChatID, work func(ctx context.Context) outcome) outcome {
	ctx, cancel := b.withProcessingDeadline(baseCtx)
	defer cancel()

	actionCtx, stopAction := context.WithCancel(ctx)
	defer stopAction()
	go b.sendChatActionUntil(actionCtx, chatId, "upload_photo")

	return work(ctx)
}

func (b *Bot) withProcessingDeadline(baseCtx context.Context) (context.Context, context.CancelFunc) {
	if timeout := b.cfg.RequestTimeout; timeout > 0 {
		return context.WithTimeout(baseCtx, timeout)
	}

	return context.WithCancel(baseCtx)
}

// photoSender returns a sender replying to message. The file handle is closed
// before it returns, so the caller may delete the file right away.
func (b *Bot) photoSender(message t.Message) photoSender {
	return func(ctx context.Context, path string, image lolicon.Descriptor) error {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		params := tu.Photo(tu.ID(message.Chat.ID), tu.File(file)).
			WithCaption(imageCaption(image)).
			WithParseMode("MarkdownV2").
			WithReplyParameters(&t.ReplyParameters{MessageID: message.MessageID})

		_, err = b.api.SendPhoto(ctx, params)

		return err
	}
}

func imageCaption(image lolicon.Descriptor) string {
	var sb strings.Builder

	if title := cropRunes(image.Title, maxCaptionTitleRunes); title != "" {
		sb.WriteString("*")
		sb.WriteString(escapeMarkdownV2Symbols(title))
		sb.WriteString("*")
	}
	if image.Author != "" {
		if sb.Len() > 0 {
			sb.WriteString(" by ")
		}
		sb.WriteString(escapeMarkdownV2Symbols(cropRunes(image.Author, maxCaptionTitleRunes)))
	}
	if image.PID != 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[pixiv](https://www.pixiv.net/artworks/")
		sb.WriteString(strconv.FormatInt(image.PID, 10))
		sb.WriteString(")")
	}

	return sb.String()
}

func escapeMarkdownV2Symbols(input string) string {
	specialChars := "_*[]()~`>#+-=|{}.!\\"
	var escaped strings.Builder

	for _, char := range input {
		if strings.ContainsRune(specialChars, char) {
			escaped.WriteRune('\\')
		}
		escaped.WriteRune(char)
	}

	return escaped.String()
}

func cropRunes(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}

	return string(runes[:max]) + "…"
}

func (b *Bot) isFromAdmin(message t.Message) bool {
	if message.From == nil {
		return false
	}

	return slices.Contains(b.cfg.AdminIDs, message.From.ID)
}

func messageText(message *t.Message) string {
	if message == nil {
		return ""
	}
	if message.Text != "" {
		return message.Text
	}

	return message.Caption
}

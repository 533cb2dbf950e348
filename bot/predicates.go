package bot

import (
	"context"
	"strings"

	t "github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
)

// AnyMessageWithKeyword returns a predicate that matches messages whose text or
// caption contains one of the keywords, ignoring case
func AnyMessageWithKeyword(keywords []string) th.Predicate {
	return func(_ context.Context, update t.Update) bool {
		return containsKeyword(messageText(update.Message), keywords)
	}
}

func containsKeyword(text string, keywords []string) bool {
	if text == "" {
		return false
	}

	text = strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}

	return false
}

// commandForThisBot rejects commands explicitly addressed to another bot
// ("/image@other_bot") in group chats.
func (b *Bot) commandForThisBot() th.Predicate {
	return func(_ context.Context, update t.Update) bool {
		if update.Message == nil {
			return false
		}

		matches := th.CommandRegexp.FindStringSubmatch(update.Message.Text)
		if len(matches) != th.CommandMatchGroupsLen {
			return false
		}

		addressedUsername := matches[th.CommandMatchBotUsernameGroup]
		if addressedUsername == "" {
			return true
		}

		if b.me.Username == "" {
			return false
		}

		return strings.EqualFold(addressedUsername, b.me.Username)
	}
}

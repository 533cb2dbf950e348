package bot

import (
	"fmt"
	"log/slog"
	"strings"
)

// Logger adapts slog to the logger interface telego expects. The bot token is
// masked because telego logs full request URLs at debug level.
type Logger struct {
	log    *slog.Logger
	masker *strings.Replacer
}

func NewLogger(component, token string) Logger {
	masker := strings.NewReplacer()
	if token != "" {
		masker = strings.NewReplacer(token, "BOT_TOKEN")
	}

	return Logger{
		log:    slog.Default().With("component", component),
		masker: masker,
	}
}

func (l Logger) Debugf(format string, args ...any) {
	l.log.Debug(l.masker.Replace(fmt.Sprintf(format, args...)))
}

func (l Logger) Errorf(format string, args ...any) {
	l.log.Error(l.masker.Replace(fmt.Sprintf(format, args...)))
}

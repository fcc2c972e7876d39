package monitoring

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Severity of an operational alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// sender abstracts the Telegram client so tests can capture messages
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier pushes operational alerts (pool exhaustion, store outages, failed
// event writes) to a Telegram chat. Without a bot token it degrades to
// logging only. Identical messages are suppressed for a cooldown window so a
// wedged store does not flood the chat.
type Notifier struct {
	bot      sender
	chatID   int64
	logger   *slog.Logger
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewNotifier(botToken string, chatID int64, logger *slog.Logger) *Notifier {
	n := &Notifier{
		chatID:   chatID,
		logger:   logger,
		cooldown: 5 * time.Minute,
		lastSent: make(map[string]time.Time),
	}
	if botToken == "" {
		logger.Info("telegram alerts disabled, no bot token configured")
		return n
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		logger.Error("could not create telegram bot, alerts disabled", "error", err)
		return n
	}
	n.bot = bot
	return n
}

// Alert sends a severity-tagged message, deduplicated per title within the
// cooldown window.
func (n *Notifier) Alert(severity Severity, title, message string) {
	n.logger.Warn("alert", "severity", severity, "title", title, "message", message)
	if n.bot == nil {
		return
	}

	n.mu.Lock()
	if last, ok := n.lastSent[title]; ok && time.Since(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[title] = time.Now()
	n.mu.Unlock()

	text := fmt.Sprintf("%s *%s*\n%s", severityEmoji(severity), title, message)
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("could not send telegram alert", "title", title, "error", err)
	}
}

func (n *Notifier) Info(title, message string)     { n.Alert(SeverityInfo, title, message) }
func (n *Notifier) Warning(title, message string)  { n.Alert(SeverityWarning, title, message) }
func (n *Notifier) Critical(title, message string) { n.Alert(SeverityCritical, title, message) }

func severityEmoji(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "\U0001F6A8"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

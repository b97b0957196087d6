package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/queue"
	"github.com/lucydhq/lucyd/pkg/models"
)

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`
	// Contacts maps contact names to chat IDs. Inbound messages from
	// unknown chats get a synthetic "tg-<chat_id>" contact.
	Contacts map[string]int64 `yaml:"contacts"`
}

// Telegram receives messages via long polling and enqueues them as
// work items; the dispatcher replies through Send.
type Telegram struct {
	config TelegramConfig
	bot    *bot.Bot
	queue  *queue.Queue
	logger *observability.Logger

	chatToContact map[int64]string
}

// NewTelegram creates the transport. The bot connection is established
// here; polling starts in Start.
func NewTelegram(config TelegramConfig, q *queue.Queue, logger *observability.Logger) (*Telegram, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}

	t := &Telegram{
		config:        config,
		queue:         q,
		logger:        logger,
		chatToContact: make(map[int64]string, len(config.Contacts)),
	}
	for contact, chatID := range config.Contacts {
		t.chatToContact[chatID] = contact
	}

	b, err := bot.New(config.Token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	t.bot = b
	return t, nil
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Start runs the long-polling loop until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	if t.logger != nil {
		t.logger.Info(ctx, "telegram channel started", "contacts", len(t.config.Contacts))
	}
	t.bot.Start(ctx)
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	contact, known := t.chatToContact[chatID]
	if !known {
		contact = "tg-" + strconv.FormatInt(chatID, 10)
	}

	item := &models.WorkItem{
		Sender:     contact,
		Type:       models.WorkItemChat,
		Source:     t.Name(),
		Text:       update.Message.Text,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := t.queue.TryEnqueue(item); err != nil {
		if t.logger != nil {
			t.logger.Warn(ctx, "work queue full, dropping telegram message", "contact", contact)
		}
	}
}

// Send delivers a reply to the contact's chat. Long messages are split
// at Telegram's 4096-character limit.
func (t *Telegram) Send(ctx context.Context, contact, text string) error {
	chatID, ok := t.config.Contacts[contact]
	if !ok {
		// Synthetic contacts carry the chat ID in their name.
		raw, found := strings.CutPrefix(contact, "tg-")
		if !found {
			return fmt.Errorf("telegram: unknown contact %q", contact)
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram: unknown contact %q", contact)
		}
		chatID = parsed
	}

	for _, part := range splitMessage(text, 4096) {
		_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   part,
		})
		if err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}

func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// Package telegram delivers alerts over the Telegram Bot API and feeds
// subscriber messages to a command handler.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// ErrDeliveryFailed wraps every transport error returned by the client.
var ErrDeliveryFailed = errors.New("telegram delivery failed")

// Handler turns one subscriber message into zero or more replies, passed to
// reply in the order they should be delivered.
type Handler interface {
	Handle(ctx context.Context, subscriber int64, text string, reply func(string))
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications and command replies.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	if botToken == "" {
		return nil, errors.New("bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	logger.Info("Authorized on Telegram account %s", bot.Self.UserName)

	c := newClient(bot, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(s sender, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		sender:         s,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// passes every text message to h. Each message is handled on its own
// goroutine so a slow command never blocks the update stream.
// It returns immediately; polling stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, h Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
					continue
				}
				go c.dispatch(ctx, h, msg.Chat.ID, msg.Text)
			}
		}
	}()
}

func (c *Client) dispatch(ctx context.Context, h Handler, chatID int64, text string) {
	h.Handle(ctx, chatID, text, func(reply string) {
		if err := c.Reply(chatID, reply); err != nil {
			logger.Warn("Failed to reply to %d: %v", chatID, err)
		}
	})
}

// Reply sends a plain-text command response with linear-backoff retry.
func (c *Client) Reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("%w: failed after %d retries: %w", ErrDeliveryFailed, c.maxRetries, lastErr)
}

// sendMarkdownV2 makes exactly one delivery attempt.
func (c *Client) sendMarkdownV2(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := c.sender.Send(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// SendAlert pushes a fired condition to its subscriber.
func (c *Client) SendAlert(subscriber int64, cond models.WatchCondition, match models.MatchResult) error {
	return c.sendMarkdownV2(subscriber, FormatAlert(cond, match))
}

// SendDegraded tells a subscriber that the odds feed could not be read this cycle.
func (c *Client) SendDegraded(subscriber int64, cause error) error {
	text := fmt.Sprintf("⚠️ *Monitoring degraded*\nOdds are not being checked right now\\.\n`%s`",
		EscapeMarkdownV2(cause.Error()))
	return c.sendMarkdownV2(subscriber, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(subscriber int64, failures int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failures)
	return c.sendMarkdownV2(subscriber, text)
}

// FormatAlert renders the MarkdownV2 alert text for a fired condition.
func FormatAlert(cond models.WatchCondition, match models.MatchResult) string {
	return fmt.Sprintf("⚠️ *%s* odds dropped to %s \\(≤ %s\\)",
		EscapeMarkdownV2(cond.Surname),
		EscapeMarkdownV2(formatPrice(match.Price)),
		EscapeMarkdownV2(formatPrice(cond.Threshold)))
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// EscapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// Package telegram is the operator chat: critical error notifications and a small
// command surface over the orchestrator.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/soul"
)

// Controller is the orchestrator surface reachable from chat.
type Controller interface {
	Health(ctx context.Context) soul.Health
	TriggerCycle(ctx context.Context, trigger models.Trigger) soul.Ack
	CancelCycle(ctx context.Context) soul.Ack
	SetKillSwitch(ctx context.Context, active bool) error
}

// Vault is the capital guard surface reachable from chat.
type Vault interface {
	Unlock(ctx context.Context) error
}

// Errors is the error dispatcher surface reachable from chat.
type Errors interface {
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorRecord, error)
	Resolve(ctx context.Context, id string) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications and commands.
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	ctrl   Controller
	vault  Vault
	errors Errors
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// Bind attaches the components commands act on. Commands arriving before Bind
// get a "not ready" reply.
func (c *Client) Bind(ctrl Controller, vault Vault, errs Errors) {
	c.ctrl = ctrl
	c.vault = vault
	c.errors = errs
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	bot, ok := c.bot.(*tgbotapi.BotAPI)
	if !ok {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	// Only the configured operator chat may steer the loop.
	if msg.Chat == nil || msg.Chat.ID != c.chatID {
		logger.Warn("Ignoring command /%s from chat %v", msg.Command(), chatOf(msg))
		return
	}
	if msg.Command() == "ping" {
		c.reply(msg.Chat.ID, "Pong")
		return
	}
	if c.ctrl == nil {
		c.reply(msg.Chat.ID, "Not ready")
		return
	}

	switch msg.Command() {
	case "status":
		c.reply(msg.Chat.ID, c.ctrl.Health(ctx).Summary())
	case "cycle":
		c.reply(msg.Chat.ID, formatAck("Cycle", c.ctrl.TriggerCycle(ctx, models.TriggerManual)))
	case "cancel":
		c.reply(msg.Chat.ID, formatAck("Cancel", c.ctrl.CancelCycle(ctx)))
	case "kill":
		c.reply(msg.Chat.ID, result("Kill switch engaged", c.ctrl.SetKillSwitch(ctx, true)))
	case "revive":
		c.reply(msg.Chat.ID, result("Kill switch cleared", c.ctrl.SetKillSwitch(ctx, false)))
	case "unlock":
		c.reply(msg.Chat.ID, result("Vault unlocked", c.vault.Unlock(ctx)))
	case "errors":
		c.reply(msg.Chat.ID, c.listErrors(ctx))
	case "ack":
		id := strings.TrimSpace(msg.CommandArguments())
		if id == "" {
			c.reply(msg.Chat.ID, "Usage: /ack <error id>")
			return
		}
		c.reply(msg.Chat.ID, result("Resolved "+id, c.errors.Resolve(ctx, id)))
	default:
		c.reply(msg.Chat.ID, "Commands: /ping /status /cycle /cancel /kill /revive /unlock /errors /ack <id>")
	}
}

func (c *Client) listErrors(ctx context.Context) string {
	recs, err := c.errors.List(ctx, true, 10)
	if err != nil {
		return "Failed to list errors: " + err.Error()
	}
	if len(recs) == 0 {
		return "No unresolved errors"
	}
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s [%s/%s] %s\n", r.ID, r.Severity, r.Domain, r.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAck(what string, ack soul.Ack) string {
	if !ack.Accepted {
		return fmt.Sprintf("%s refused: %s", what, ack.Reason)
	}
	s := fmt.Sprintf("%s accepted: %s (%s)", what, ack.CycleID, ack.Phase)
	if ack.Released != "" {
		s += ", released " + ack.Released
	}
	return s
}

func result(ok string, err error) string {
	if err != nil {
		return "Failed: " + err.Error()
	}
	return ok
}

func chatOf(msg *tgbotapi.Message) any {
	if msg.Chat == nil {
		return nil
	}
	return msg.Chat.ID
}

func (c *Client) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := c.bot.Send(msg); err != nil {
		logger.Warn("Failed to send Telegram reply: %v", err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// NotifyCritical pages the operator about a critical error record.
func (c *Client) NotifyCritical(rec models.ErrorRecord) error {
	return c.sendMarkdownV2(formatCritical(rec))
}

// NotifyVaultLock tells the operator the vault was locked or unlocked.
func (c *Client) NotifyVaultLock(locked bool, reason string) error {
	return c.sendMarkdownV2(formatVaultLock(locked, reason))
}

func formatVaultLock(locked bool, reason string) string {
	if locked {
		return fmt.Sprintf("🔒 *Vault locked*\n`%s`\nClear with /revive", escapeMarkdownV2(reason))
	}
	return fmt.Sprintf("🔓 *Vault unlocked*\n`%s` cleared", escapeMarkdownV2(reason))
}

func formatCritical(rec models.ErrorRecord) string {
	ts := escapeMarkdownV2(rec.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	return fmt.Sprintf("🛑 *Critical: %s*\n`%s`\n🕒 %s\nResolve with /ack %s",
		escapeMarkdownV2(rec.Domain),
		escapeMarkdownV2(rec.Message),
		ts,
		escapeMarkdownV2(rec.ID),
	)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

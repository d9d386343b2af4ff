// Package telegram runs the bot channel: a long-poll loop against the
// bot API that turns messages, voice notes and callback queries into
// router tasks and sends the generated replies back.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/internal/router"
	"github.com/relaylabs/relay/internal/store"
	"github.com/relaylabs/relay/pkg/models"
)

// Commands served synchronously by the gateway, bypassing the router.
const helpText = `Commands:
/start - greet the bot
/help - this message
/clear - forget this conversation
/model - show the active local model
/status - show queue status`

// Config configures the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// ResponseTimeout bounds one request/reply exchange.
	ResponseTimeout time.Duration

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Memory is the slice of the memory engine the adapter uses for /clear.
type Memory interface {
	ClearHistory(ctx context.Context, channel models.ChannelType, channelID string) error
}

// Adapter bridges Telegram chats and the task router.
type Adapter struct {
	config Config
	bot    *bot.Bot
	router *router.Router
	bus    *events.Bus
	memory Memory
	models store.ModelStore
	logger *slog.Logger
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(config Config, rt *router.Router, bus *events.Bus, memory Memory, modelStore store.ModelStore) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		config: config,
		router: rt,
		bus:    bus,
		memory: memory,
		models: modelStore,
		logger: config.Logger.With("component", "telegram"),
	}

	b, err := bot.New(config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b
	return a, nil
}

// Run starts the long-poll loop and blocks until ctx is cancelled. The
// library maintains the getUpdates offset cursor internally.
func (a *Adapter) Run(ctx context.Context) {
	a.logger.Info("telegram adapter started")
	a.bot.Start(ctx)
	a.logger.Info("telegram adapter stopped")
}

// handleUpdate is the default handler for every polled update.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, b, update.CallbackQuery)
	case update.Message != nil && update.Message.Voice != nil:
		a.handleVoice(ctx, b, update.Message)
	case update.Message != nil && update.Message.Text != "":
		a.handleText(ctx, b, update.Message)
	}
}

func (a *Adapter) handleText(ctx context.Context, b *bot.Bot, msg *tgmodels.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	userID := ""
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}

	if strings.HasPrefix(msg.Text, "/") {
		a.reply(ctx, b, msg.Chat.ID, a.HandleCommand(ctx, chatID, msg.Text))
		return
	}

	response := a.Ask(ctx, chatID, userID, msg.Text)
	a.reply(ctx, b, msg.Chat.ID, response)
}

// handleVoice downloads the voice note and forwards it as an audio
// prompt.
func (a *Adapter) handleVoice(ctx context.Context, b *bot.Bot, msg *tgmodels.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	userID := ""
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}

	file, err := b.GetFile(ctx, &bot.GetFileParams{FileID: msg.Voice.FileID})
	if err != nil {
		a.logger.Warn("voice download failed", "error", err)
		a.reply(ctx, b, msg.Chat.ID, "Could not fetch the voice message.")
		return
	}
	link := b.FileDownloadLink(file)

	response := a.Ask(ctx, chatID, userID, "[AUDIO] "+link)
	a.reply(ctx, b, msg.Chat.ID, response)
}

// handleCallback renders a callback query payload as a task message.
func (a *Adapter) handleCallback(ctx context.Context, b *bot.Bot, cq *tgmodels.CallbackQuery) {
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
		a.logger.Debug("answer callback failed", "error", err)
	}
	if cq.Message.Message == nil {
		return
	}
	chatID := strconv.FormatInt(cq.Message.Message.Chat.ID, 10)
	userID := strconv.FormatInt(cq.From.ID, 10)

	response := a.Ask(ctx, chatID, userID, fmt.Sprintf("[CALLBACK:%s]", cq.Data))
	a.reply(ctx, b, cq.Message.Message.Chat.ID, response)
}

// HandleCommand serves the slash commands synchronously, without touching
// the router queue.
func (a *Adapter) HandleCommand(ctx context.Context, chatID, text string) string {
	cmd := strings.ToLower(strings.Fields(text)[0])
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		return "Hello! Send me a message and I'll route it to the best model."
	case "/help":
		return helpText
	case "/clear":
		if a.memory != nil {
			if err := a.memory.ClearHistory(ctx, models.ChannelTelegram, chatID); err != nil {
				a.logger.Warn("clear history failed", "chat_id", chatID, "error", err)
				return "Could not clear the conversation."
			}
		}
		return "Conversation cleared."
	case "/model":
		if a.models != nil {
			if m, err := a.models.ActiveModel(ctx); err == nil {
				return fmt.Sprintf("Active local model: %s (%s)", m.Name, m.ID)
			}
		}
		return "No local model is active."
	case "/status":
		snap, err := a.router.Status(ctx)
		if err != nil {
			return "Status unavailable."
		}
		current := "idle"
		if snap.CurrentID != "" {
			current = "busy"
		}
		return fmt.Sprintf("Queue: %d waiting (%d urgent, %d normal, %d background), executor %s.",
			snap.QueueLen, snap.UrgentCount, snap.NormalCount, snap.BackgroundCount, current)
	default:
		return "Unknown command"
	}
}

// Ask submits a task for a chat message and waits for its terminal event.
func (a *Adapter) Ask(ctx context.Context, chatID, userID, text string) string {
	ctx, cancel := context.WithTimeout(ctx, a.config.ResponseTimeout)
	defer cancel()

	task := &models.Task{
		Channel:   models.ChannelTelegram,
		ChannelID: chatID,
		UserID:    userID,
		Message:   text,
	}
	task.ID = newID()

	sub := a.bus.SubscribeTask(task.ID)
	defer sub.Cancel()

	if _, err := a.router.Submit(ctx, task); err != nil {
		a.logger.Warn("submit failed", "chat_id", chatID, "error", err)
		return "Sorry, I can't take more work right now."
	}

	for {
		select {
		case <-ctx.Done():
			if _, err := a.router.Cancel(context.Background(), task.ID); err != nil {
				a.logger.Warn("cancel after timeout failed", "task_id", task.ID, "error", err)
			}
			return "The request timed out."

		case ev, ok := <-sub.Events():
			if !ok {
				return "The request was interrupted."
			}
			switch ev.Type {
			case models.EventComplete:
				return ev.Response
			case models.EventError:
				a.logger.Warn("task failed", "task_id", task.ID, "error", ev.Error)
				return "Something went wrong handling that request."
			case models.EventCancelled:
				return "The request was cancelled."
			case models.EventDropped:
				return "The request was dropped under load."
			}
		}
	}
}

func newID() string {
	return uuid.NewString()
}

func (a *Adapter) reply(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		a.logger.Warn("send failed", "chat_id", chatID, "error", err)
	}
}

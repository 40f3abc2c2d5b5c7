package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/adapters"
)

// maxMessageRunes is the Bot API limit for one sendMessage text.
const maxMessageRunes = 4096

type Config struct {
	// Bot is nil when TELEGRAM_BOT_TOKEN is not set.
	Bot    *gotgbot.Bot
	Logger zerolog.Logger
}

// Adapter sends messages with the process-wide bot. It needs no per-user credential.
type Adapter struct {
	bot    *gotgbot.Bot
	logger zerolog.Logger
}

func New(cfg Config) *Adapter {
	return &Adapter{
		bot:    cfg.Bot,
		logger: cfg.Logger.With().Str("component", "telegram").Logger(),
	}
}

var _ adapters.Adapter = (*Adapter)(nil)

func (a *Adapter) Tool() string      { return action.ToolTelegram }
func (a *Adapter) Provider() string  { return "" }
func (a *Adapter) Configured() bool  { return a.bot != nil }
func (a *Adapter) Actions() []string { return []string{"send_message"} }

func (a *Adapter) Execute(ctx context.Context, _ string, actionName string, params map[string]any) action.Result {
	if a.bot == nil {
		return action.Fail(action.CodeNotConfigured, "Telegram bot not configured. Please set TELEGRAM_BOT_TOKEN.")
	}
	switch actionName {
	case "send_message":
		return a.sendMessage(ctx, params)
	default:
		return action.UnknownAction(actionName)
	}
}

// sendMessage accepts numeric chat ids as well as @channelusername, so chat_id
// is passed to the Bot API as given.
func (a *Adapter) sendMessage(ctx context.Context, params map[string]any) action.Result {
	if missing := action.Missing(params, "chatId", "message"); len(missing) > 0 {
		return action.MissingParameters(missing)
	}
	chatID := strings.TrimSpace(action.String(params, "chatId"))
	text := action.String(params, "message")
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes])
	}

	raw, err := a.bot.RequestWithContext(ctx, "sendMessage", map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": gotgbot.ParseModeHTML,
	}, nil, nil)
	if err != nil {
		var tgErr *gotgbot.TelegramError
		if errors.As(err, &tgErr) && tgErr.Description != "" {
			return action.Fail(action.CodeExecutionFailed, "%s", tgErr.Description)
		}
		msg := SanitizeError(err, a.bot.Token)
		a.logger.Warn().Str("error", msg).Msg("telegram send failed")
		return action.Fail(action.CodeExecutionFailed, "%s", msg)
	}
	var msg gotgbot.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return action.Fail(action.CodeExecutionFailed, "decode telegram response: %v", err)
	}
	return action.OK("Telegram message sent", map[string]any{
		"messageId": msg.MessageId,
	})
}

// SanitizeError strips the bot token, which the Bot API embeds in request URLs.
func SanitizeError(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if token != "" {
		msg = strings.ReplaceAll(msg, token, "<redacted>")
	}
	return msg
}

// NewBot builds a bot without the getMe round trip. apiURL overrides the Bot API
// host and is empty in production.
func NewBot(token, apiURL string) (*gotgbot.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	client := &gotgbot.BaseBotClient{}
	if apiURL != "" {
		client.DefaultRequestOpts = &gotgbot.RequestOpts{APIURL: strings.TrimRight(apiURL, "/")}
	}
	bot, err := gotgbot.NewBot(token, &gotgbot.BotOpts{
		BotClient:         client,
		DisableTokenCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %s", SanitizeError(err, token))
	}
	return bot, nil
}

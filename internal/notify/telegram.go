package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. An empty apiBase uses the public Bot API.
func NewTelegramSender(apiBase, token, chatID string) *TelegramSender {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &TelegramSender{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the configured chat with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return postJSON(ctx, t.client, "telegram", url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

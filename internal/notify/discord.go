package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the webhook with the title in bold. Discord answers
// 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

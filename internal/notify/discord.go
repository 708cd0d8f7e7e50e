package notify

import (
	"context"
	"net/http"
)

// Discord embed colours.
const (
	colorAlert = 0xE74C3C
	colorInfo  = 0x3498DB
)

// DiscordSender delivers notifications as embeds through a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordMessage struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts one embed. Failure alerts are coloured red.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorInfo
	if isAlert(title) {
		color = colorAlert
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, discordMessage{
		Username: "shootperps",
		Embeds:   []discordEmbed{{Title: title, Description: "```\n" + message + "\n```", Color: color}},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }

func isAlert(title string) bool {
	return title == "Position liquidated" || title == "Computation failed"
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "XCMFlow/internal/errors"
)

// Notifier delivers a notification over one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, n Notification) error
}

// defaultSendTimeout bounds every outbound delivery attempt.
const defaultSendTimeout = 5 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &http.Client{Timeout: timeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// renderText flattens a notification into a human readable message.
func renderText(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(n.Priority)), n.Title)
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	if n.ChainID != "" {
		fmt.Fprintf(&b, "\nchain: %s", n.ChainID)
	}
	if len(n.Metadata) > 0 {
		keys := make([]string, 0, len(n.Metadata))
		for key := range n.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "\n%s: %s", key, n.Metadata[key])
		}
	}
	return b.String()
}

// WebhookNotifier POSTs the raw notification JSON to a caller-owned
// endpoint.
type WebhookNotifier struct {
	URL       string
	AuthToken string
	client    *http.Client
}

// NewWebhookNotifier creates a webhook channel.
func NewWebhookNotifier(url, authToken string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{URL: url, AuthToken: authToken, client: newHTTPClient(timeout)}
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (n *WebhookNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.URL == "" {
		return xerrors.New(xerrors.CodeInitFailure, "webhook url not configured")
	}
	headers := map[string]string{}
	if n.AuthToken != "" {
		headers["Authorization"] = "Bearer " + n.AuthToken
	}
	return postJSON(ctx, n.client, n.URL, notification, headers)
}

// DiscordNotifier posts to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	Username   string
	client     *http.Client
}

// NewDiscordNotifier creates a Discord channel.
func NewDiscordNotifier(webhookURL string, timeout time.Duration) *DiscordNotifier {
	return &DiscordNotifier{WebhookURL: webhookURL, Username: "xcmflow", client: newHTTPClient(timeout)}
}

func (n *DiscordNotifier) Channel() Channel { return ChannelDiscord }

func (n *DiscordNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.WebhookURL == "" {
		return xerrors.New(xerrors.CodeInitFailure, "discord webhook url not configured")
	}
	payload := map[string]string{
		"username": n.Username,
		"content":  renderText(notification),
	}
	return postJSON(ctx, n.client, n.WebhookURL, payload, nil)
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a Slack channel.
func NewSlackNotifier(webhookURL string, timeout time.Duration) *SlackNotifier {
	return &SlackNotifier{WebhookURL: webhookURL, client: newHTTPClient(timeout)}
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

func (n *SlackNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.WebhookURL == "" {
		return xerrors.New(xerrors.CodeInitFailure, "slack webhook url not configured")
	}
	payload := map[string]string{"text": renderText(notification)}
	return postJSON(ctx, n.client, n.WebhookURL, payload, nil)
}

// TelegramNotifier sends through the Telegram bot API.
type TelegramNotifier struct {
	BotToken string
	ChatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram channel.
func NewTelegramNotifier(botToken, chatID string, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		BotToken: botToken,
		ChatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   newHTTPClient(timeout),
	}
}

func (n *TelegramNotifier) Channel() Channel { return ChannelTelegram }

func (n *TelegramNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.BotToken == "" || n.ChatID == "" {
		return xerrors.New(xerrors.CodeInitFailure, "telegram bot token or chat id not configured")
	}
	payload := map[string]string{
		"chat_id": n.ChatID,
		"text":    renderText(notification),
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.BotToken)
	return postJSON(ctx, n.client, url, payload, nil)
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*DiscordNotifier)(nil)
	_ Notifier = (*SlackNotifier)(nil)
	_ Notifier = (*TelegramNotifier)(nil)
)

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"iot-control/internal/models"
)

// TelegramChannel posts alerts to one or more chats through the Bot API
type TelegramChannel struct {
	apiURL     string
	token      string
	chatIDs    []string
	httpClient *http.Client
}

// TelegramOptions configures the Telegram channel
type TelegramOptions struct {
	APIURL  string // defaults to https://api.telegram.org
	Token   string
	ChatIDs []string
	Timeout time.Duration
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func NewTelegramChannel(opts TelegramOptions) *TelegramChannel {
	if opts.APIURL == "" {
		opts.APIURL = "https://api.telegram.org"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	var chats []string
	for _, id := range opts.ChatIDs {
		if id = strings.TrimSpace(id); id != "" {
			chats = append(chats, id)
		}
	}

	return &TelegramChannel{
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		token:      opts.Token,
		chatIDs:    chats,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Send posts to every chat; a failing chat does not skip the rest
func (c *TelegramChannel) Send(ctx context.Context, event *models.AlertEvent) error {
	if len(c.chatIDs) == 0 {
		return fmt.Errorf("no chat ids configured")
	}

	text := TelegramText(event)
	var result *multierror.Error
	for _, chatID := range c.chatIDs {
		if err := c.post(ctx, telegramMessage{ChatID: chatID, Text: text, ParseMode: "Markdown"}); err != nil {
			result = multierror.Append(result, fmt.Errorf("chat %s: %w", chatID, err))
		}
	}
	return result.ErrorOrNil()
}

func (c *TelegramChannel) post(ctx context.Context, msg telegramMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return nil
}

// TelegramText renders the Markdown alert message
func TelegramText(event *models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*IoT alert: %s*\n", strings.ToUpper(string(event.Severity)))
	fmt.Fprintf(&b, "Device: `%s`\n", event.DeviceID)
	fmt.Fprintf(&b, "Rule: %s\n", event.RuleName)
	fmt.Fprintf(&b, "Message: %s\n", event.Message)
	fmt.Fprintf(&b, "Time: %s", event.Timestamp.Format(logLineTimeFormat))
	return b.String()
}

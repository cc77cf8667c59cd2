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
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers alerts via the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat ID.
// An empty baseURL selects the public Bot API.
func NewTelegramSender(token, chatID, baseURL string) *TelegramSender {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert with sendMessage; the title is bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return postJSON(ctx, t.client, "telegram", url, payload)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

// postJSON posts payload and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, who, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", who, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", who, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", who, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", who, resp.StatusCode, string(respBody))
	}
	return nil
}

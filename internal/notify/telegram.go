package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramChannel sends task notifications through the Telegram Bot API.
// Send-only: inbound message handling lives outside the task core.
type TelegramChannel struct {
	token         string
	defaultChatID string
	baseURL       string
	client        *http.Client
}

// NewTelegramChannel creates a Telegram notification channel. defaultChatID
// is used when a task carries no recipient of its own.
func NewTelegramChannel(token, defaultChatID string) *TelegramChannel {
	return &TelegramChannel{
		token:         token,
		defaultChatID: defaultChatID,
		baseURL:       "https://api.telegram.org",
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Notify sends a Markdown message to a chat.
func (t *TelegramChannel) Notify(ctx context.Context, recipient, message string) error {
	chatID := recipient
	if chatID == "" {
		chatID = t.defaultChatID
	}
	if chatID == "" {
		return fmt.Errorf("telegram: no chat id configured")
	}

	payload, _ := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "Markdown",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("telegram: status %d: %w", resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, result.Description)
	}
	return nil
}

// SetBaseURL overrides the API endpoint (used by tests).
func (t *TelegramChannel) SetBaseURL(url string) { t.baseURL = url }

// Package notify pushes formatted tick and trade messages to an external
// chat. Delivery is best effort: failures are logged and never returned to
// the tick path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tickflow/logger"
)

var ErrNotConfigured = errors.New("telegram bot token or chat id not configured")

// Sink accepts one pre-built message.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Credentials resolves the bot token and destination chat at send time so
// that settings changes apply without a restart.
type Credentials func() (token, chatID string)

// Telegram posts to the Bot API sendMessage method.
type Telegram struct {
	apiURL string
	creds  Credentials
	client *http.Client
	log    *logger.Log
}

func NewTelegram(apiURL string, timeout time.Duration, creds Credentials, log *logger.Log) *Telegram {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Telegram{
		apiURL: strings.TrimRight(apiURL, "/"),
		creds:  creds,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Configured reports whether both token and chat id are set.
func (t *Telegram) Configured() bool {
	if t.creds == nil {
		return false
	}
	token, chat := t.creds()
	return strings.TrimSpace(token) != "" && strings.TrimSpace(chat) != ""
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Configured() {
		return ErrNotConfigured
	}
	token, chat := t.creds()

	body, err := json.Marshal(sendMessageRequest{ChatID: strings.TrimSpace(chat), Text: text})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, strings.TrimSpace(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode, out.Description)
	}
	logger.LogPerformanceEntry(t.log.WithComponent("notify"), "notify", "telegram_send", time.Since(start), nil)
	return nil
}

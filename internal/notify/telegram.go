// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/backupgate/backupgate/internal/security"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram sends messages through the Bot API in HTML parse mode.
type Telegram struct {
	Token   security.Secret
	ChatID  string
	BaseURL string
	Client  *http.Client
}

// NewTelegram returns a Sender, or nil when token or chat id is missing.
func NewTelegram(token security.Secret, chatID string) Sender {
	if token.IsEmpty() || strings.TrimSpace(chatID) == "" {
		return nil
	}
	return &Telegram{Token: token, ChatID: chatID}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:                t.ChatID,
		Text:                  message,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	base := t.BaseURL
	if base == "" {
		base = DefaultTelegramAPI
	}
	url := strings.TrimRight(base, "/") + "/bot" + t.Token.Reveal() + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// The URL embeds the bot token; never surface it.
		return fmt.Errorf("telegram: request failed: %s", redact(err.Error(), t.Token.Reveal()))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[SECRET]")
}

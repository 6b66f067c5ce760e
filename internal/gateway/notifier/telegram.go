package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	telegramRetries    = 2
	maxRetryAfter      = 30 * time.Second
)

// Telegram posts alerts through the Bot API sendMessage method.
type Telegram struct {
	endpoint string
	chatID   string
	client   *http.Client
	retries  uint64
}

func NewTelegram(botToken, chatID, apiBase string) *Telegram {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	t := &Telegram{
		chatID:  strings.TrimSpace(chatID),
		client:  &http.Client{Timeout: 15 * time.Second},
		retries: telegramRetries,
	}
	if token := strings.TrimSpace(botToken); token != "" {
		t.endpoint = apiBase + "/bot" + token + "/sendMessage"
	}
	return t
}

// apiError is a non-2xx reply. Telegram puts the reason in "description" and, on 429,
// the wait in "parameters.retry_after".
type apiError struct {
	status      int
	description string
	retryAfter  time.Duration
}

func (e *apiError) Error() string {
	if e.description == "" {
		return fmt.Sprintf("telegram status=%d", e.status)
	}
	return fmt.Sprintf("telegram status=%d: %s", e.status, e.description)
}

func (e *apiError) temporary() bool {
	return e.status >= 500 || e.status == http.StatusTooManyRequests
}

// SendText 发送一条消息；网络错误、5xx、429 退避重试，其余 4xx 直接失败。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.endpoint == "" || t.chatID == "" {
		return errors.New("telegram 配置不完整")
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, t.retries), ctx)

	return backoff.Retry(func() error {
		err := t.post(ctx, body)
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if !apiErr.temporary() {
				return backoff.Permanent(err)
			}
			if wait := apiErr.retryAfter; wait > 0 {
				select {
				case <-time.After(min(wait, maxRetryAfter)):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
		}
		return err
	}, retry)
}

func (t *Telegram) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	reply := gjson.ParseBytes(raw)
	return &apiError{
		status:      resp.StatusCode,
		description: reply.Get("description").String(),
		retryAfter:  time.Duration(reply.Get("parameters.retry_after").Int()) * time.Second,
	}
}

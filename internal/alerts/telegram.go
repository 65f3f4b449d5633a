package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zs-hedge-bot/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	sendTimeout     = 10 * time.Second
)

var ErrNotConfigured = errors.New("telegram token and chat_id are required")

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	client  *resty.Client
	log     *zap.Logger
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      *Chat  `json:"chat,omitempty"`
	From      *User  `json:"from,omitempty"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type envelope[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL)
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return false
			}
			code := resp.StatusCode()
			return code == 429 || code >= 500
		})
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return ErrNotConfigured
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	var out envelope[json.RawMessage]
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": t.chatID, "text": message}).
		SetResult(&out).
		Post("/bot" + t.token + "/sendMessage")
	return checkResponse("send", resp, err, out.OK, out.Description)
}

// GetUpdates long-polls for operator messages starting at offset. The
// request blocks for up to wait on the Telegram side.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	if !t.Enabled() {
		return nil, nil
	}
	if t.token == "" {
		return nil, ErrNotConfigured
	}
	seconds := int(wait / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	ctx, cancel := context.WithTimeout(ctx, wait+sendTimeout)
	defer cancel()
	var out envelope[[]Update]
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"offset":          offset,
			"timeout":         seconds,
			"allowed_updates": []string{"message"},
		}).
		SetResult(&out).
		Post("/bot" + t.token + "/getUpdates")
	if err := checkResponse("get updates", resp, err, out.OK, out.Description); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func checkResponse(op string, resp *resty.Response, err error, ok bool, desc string) error {
	if err != nil {
		return fmt.Errorf("telegram %s: %w", op, err)
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > 2048 {
			body = body[:2048]
		}
		return fmt.Errorf("telegram %s failed: http %d: %s", op, resp.StatusCode(), strings.TrimSpace(body))
	}
	if !ok {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram %s failed: %s", op, desc)
	}
	return nil
}

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mohans/coursenotify/internal/metrics"
)

// Messenger delivers one rendered message to one chat.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Channel error codes.
const (
	ErrorCodeInvalidRecipient  = "INVALID_RECIPIENT"
	ErrorCodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	ErrorCodeRecipientOptedOut = "RECIPIENT_OPTED_OUT"
	ErrorCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrorCodeRateLimited       = "RATE_LIMITED"
	ErrorCodeServerError       = "SERVER_ERROR"
	ErrorCodeTimeout           = "TIMEOUT"
	ErrorCodeConnectionFailed  = "CONNECTION_FAILED"
	ErrorCodeAuthFailed        = "AUTH_FAILED"
	ErrorCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrorCodeUnknown           = "UNKNOWN"
)

// ChannelError is a classified delivery failure. Transient errors are worth
// retrying; RetryAfter is the wait Telegram asked for, if any.
type ChannelError struct {
	Code        string
	Status      int
	Description string
	Transient   bool
	RetryAfter  time.Duration
}

func (e *ChannelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("telegram %s (%d): %s", e.Code, e.Status, e.Description)
	}
	return fmt.Sprintf("telegram %s: %s", e.Code, e.Description)
}

// TelegramConfig configures NewTelegram.
type TelegramConfig struct {
	Token           string
	BaseURL         string
	Timeout         time.Duration
	RatePerSecond   float64
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	client  *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
	logger  zerolog.Logger
}

var _ Messenger = (*Telegram)(nil)

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 25
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	t := &Telegram{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond))),
		logger:  cfg.Logger,
	}
	failures := cfg.BreakerFailures
	t.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A bad chat id says nothing about Telegram's health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ce *ChannelError
			if errors.As(err, &ce) {
				return !ce.Transient
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(int(to))
			t.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return t
}

// Send posts text to chatID. Failures are *ChannelError.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	err := t.send(ctx, chatID, text)
	code := "ok"
	var ce *ChannelError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	metrics.RecordTelegram(code)
	return err
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	if t.token == "" {
		return &ChannelError{Code: ErrorCodeAuthFailed, Description: "bot token not configured", Transient: true}
	}
	if chatID == 0 {
		return &ChannelError{Code: ErrorCodeInvalidRecipient, Description: "chat id is zero"}
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return &ChannelError{Code: ErrorCodeTimeout, Description: err.Error(), Transient: true}
	}
	_, err := t.cb.Execute(func() (struct{}, error) {
		return struct{}{}, t.post(ctx, chatID, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ChannelError{Code: ErrorCodeCircuitOpen, Description: err.Error(), Transient: true}
	}
	return err
}

func (t *Telegram) post(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return &ChannelError{Code: ErrorCodeInvalidPayload, Description: err.Error()}
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &ChannelError{Code: ErrorCodeUnknown, Description: t.redact(err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		ce := classifyTransportError(err)
		ce.Description = t.redact(ce.Description)
		return ce
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &ChannelError{Code: ErrorCodeConnectionFailed, Status: resp.StatusCode, Description: err.Error(), Transient: true}
	}
	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		// Proxies in front of the API answer with HTML on 5xx.
		return &ChannelError{
			Code:        statusCode(resp.StatusCode),
			Status:      resp.StatusCode,
			Description: "unparseable response: " + http.StatusText(resp.StatusCode),
			Transient:   resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if api.OK {
		return nil
	}
	status := api.ErrorCode
	if status == 0 {
		status = resp.StatusCode
	}
	ce := classifyTelegramError(status, api.Description)
	if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
		ce.RetryAfter = time.Duration(api.Parameters.RetryAfter) * time.Second
	}
	t.logger.Debug().Int64("chat_id", chatID).Int("status", status).Str("code", ce.Code).
		Str("description", api.Description).Msg("telegram rejected message")
	return ce
}

// classifyTelegramError maps a Bot API error to a channel error.
func classifyTelegramError(status int, description string) *ChannelError {
	ce := &ChannelError{Status: status, Description: description}
	desc := strings.ToLower(description)
	switch {
	case status == http.StatusBadRequest && strings.Contains(desc, "chat not found"):
		ce.Code = ErrorCodeRecipientNotFound
	case status == http.StatusBadRequest && strings.Contains(desc, "message is too long"):
		ce.Code = ErrorCodeInvalidPayload
	case status == http.StatusBadRequest:
		ce.Code = ErrorCodeInvalidRecipient
	case status == http.StatusForbidden:
		ce.Code = ErrorCodeRecipientOptedOut
	case status == http.StatusUnauthorized:
		// A revoked token is an operator problem; keep the job until it is fixed.
		ce.Code, ce.Transient = ErrorCodeAuthFailed, true
	case status == http.StatusTooManyRequests:
		ce.Code, ce.Transient = ErrorCodeRateLimited, true
	case status >= 500:
		ce.Code, ce.Transient = ErrorCodeServerError, true
	default:
		ce.Code = ErrorCodeUnknown
	}
	return ce
}

// redact strips the bot token; error text ends up in job records and events.
func (t *Telegram) redact(s string) string {
	if t.token == "" {
		return s
	}
	return strings.ReplaceAll(s, t.token, "<redacted>")
}

// classifyTransportError drops the request URL from *url.Error, since it carries
// the bot token.
func classifyTransportError(err error) *ChannelError {
	desc := err.Error()
	var uerr *url.Error
	if errors.As(err, &uerr) {
		desc = uerr.Op + ": " + uerr.Err.Error()
	}
	ce := &ChannelError{Code: ErrorCodeConnectionFailed, Description: desc, Transient: true}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		ce.Code = ErrorCodeTimeout
	}
	return ce
}

func statusCode(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorCodeRateLimited
	case status >= 500:
		return ErrorCodeServerError
	}
	return ErrorCodeUnknown
}

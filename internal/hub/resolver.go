package hub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"teamchat/internal/domain"
)

// CommandActionField is the form field of the built-in command preview actions.
const CommandActionField = "command_action"

// CommandActions are attached to messages posted with the command keyword.
var CommandActions = []domain.Action{
	{Name: CommandActionField, Value: "send", Text: "Send", Style: "primary"},
	{Name: CommandActionField, Value: "cancel", Text: "Cancel"},
}

var ErrResolverStatus = errors.New("action backend returned an error status")

// Resolver decides what an action does to its message. A reply without a
// message removes it.
type Resolver interface {
	Resolve(ctx context.Context, msg domain.Message, formData map[string]string) (*domain.ActionReply, error)
}

// CommandResolver is the local backend for command previews: "send" keeps the
// message and drops its actions, anything else dismisses it.
type CommandResolver struct{}

func (CommandResolver) Resolve(ctx context.Context, msg domain.Message, formData map[string]string) (*domain.ActionReply, error) {
	if formData[CommandActionField] != "send" {
		return &domain.ActionReply{}, nil
	}
	msg.Actions = nil
	return &domain.ActionReply{Message: &msg}, nil
}

// WebhookConfig configures a WebhookResolver.
type WebhookConfig struct {
	URL     string
	Secret  string // HMAC secret; requests are unsigned when empty
	Timeout time.Duration
	Retries int
	Logger  *slog.Logger

	// Backoff returns the wait before retry attempt n (n >= 1).
	Backoff func(attempt int) time.Duration
}

// WebhookResolver forwards actions to an HTTP backend.
type WebhookResolver struct {
	url     string
	secret  string
	retries int
	backoff func(int) time.Duration
	client  *http.Client
	logger  *slog.Logger
}

type webhookRequest struct {
	MessageID string            `json:"message_id"`
	ChatID    string            `json:"chat_id"`
	FormData  map[string]string `json:"form_data"`
}

func NewWebhookResolver(cfg WebhookConfig) *WebhookResolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = jitterBackoff
	}
	return &WebhookResolver{
		url:     cfg.URL,
		secret:  cfg.Secret,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func (w *WebhookResolver) Resolve(ctx context.Context, msg domain.Message, formData map[string]string) (*domain.ActionReply, error) {
	body, err := json.Marshal(webhookRequest{MessageID: msg.ID, ChatID: msg.ChatID, FormData: formData})
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	resp, err := w.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.secret != "" {
			req.Header.Set("X-Signature-256", Sign(body, w.secret))
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read action reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrResolverStatus, resp.StatusCode, bytes.TrimSpace(data))
	}

	var reply domain.ActionReply
	if len(bytes.TrimSpace(data)) == 0 {
		return &reply, nil
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode action reply: %w", err)
	}
	return &reply, nil
}

// doWithRetry retries network failures, 5xx and 429.
func (w *WebhookResolver) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			backoff := w.backoff(attempt)
			w.logger.Warn("retrying action webhook", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("action webhook: %w", err)
			w.logger.Warn("action webhook failed", "err", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: HTTP %d: %s", ErrResolverStatus, resp.StatusCode, bytes.TrimSpace(data))
			w.logger.Warn("action webhook server error", "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func jitterBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// Sign returns the X-Signature-256 header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SharedHTTPClient returns an HTTP client with connection pooling.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Close drops idle keep-alive connections.
func (w *WebhookResolver) Close() {
	w.client.CloseIdleConnections()
}

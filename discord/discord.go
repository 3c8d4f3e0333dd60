// Package discord is a small Discord REST client for channel webhooks.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"socialrelay/pkg/relay"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// WebhookTypeIncoming is the type of webhooks that can be executed with a token.
const WebhookTypeIncoming = 1

// Discord JSON error codes.
const (
	CodeUnknownChannel    = 10003
	CodeUnknownWebhook    = 10015
	CodeMissingAccess     = 50001
	CodeMissingPermission = 50013
)

// Webhook is a channel webhook as returned by the API.
type Webhook struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Type      int    `json:"type"`
}

// APIError is a non-2xx response from Discord.
type APIError struct {
	Message    string `json:"message"`
	Code       int    `json:"code"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: HTTP %d: code %d: %s", e.StatusCode, e.Code, e.Message)
}

// Is reports unknown-channel responses as relay.ErrUnknownChannel.
func (e *APIError) Is(target error) bool {
	return target == relay.ErrUnknownChannel && e.Code == CodeUnknownChannel
}

// IsUnknownChannel checks if an error says the channel does not exist.
func IsUnknownChannel(err error) bool {
	return errors.Is(err, relay.ErrUnknownChannel)
}

// IsNotFound checks if an error is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client calls the Discord REST API with a bot token.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	token   string
	apiBase string
}

// NewClient creates a Discord client. apiBase is usually https://discord.com/api/v10.
func NewClient(token, apiBase string, logger *slog.Logger) *Client {
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(40), 10),
		logger:  logger,
		token:   token,
		apiBase: apiBase,
	}
}

// ChannelWebhooks lists the webhooks of a channel.
func (c *Client) ChannelWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	var hooks []Webhook
	if err := c.do(ctx, http.MethodGet, c.apiBase+"/channels/"+url.PathEscape(channelID)+"/webhooks", true, nil, &hooks); err != nil {
		return nil, fmt.Errorf("list channel webhooks: %w", err)
	}
	return hooks, nil
}

// CreateWebhook creates an incoming webhook in a channel.
func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error) {
	var hook Webhook
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, c.apiBase+"/channels/"+url.PathEscape(channelID)+"/webhooks", true, body, &hook); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return &hook, nil
}

// ExecuteWebhook posts a message through a webhook and waits for Discord to accept it.
// The post is attempted once; only a rate-limited request is sent again.
func (c *Client) ExecuteWebhook(ctx context.Context, webhookID, token string, msg *relay.Message) error {
	endpoint := c.apiBase + "/webhooks/" + url.PathEscape(webhookID) + "/" + url.PathEscape(token) + "?wait=true"
	if err := c.execute(ctx, endpoint, msg); err != nil {
		return fmt.Errorf("execute webhook: %w", err)
	}
	return nil
}

// ExecuteURL posts a message to a full webhook URL.
func (c *Client) ExecuteURL(ctx context.Context, webhookURL string, msg *relay.Message) error {
	if err := c.execute(ctx, webhookURL, msg); err != nil {
		return fmt.Errorf("execute webhook url: %w", err)
	}
	return nil
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// maxRateLimitWaits bounds how often execute resends after a 429.
const maxRateLimitWaits = 2

// execute posts a message without retrying on transport errors or 5xx, since
// Discord may already have delivered it. A 429 means it was not accepted.
func (c *Client) execute(ctx context.Context, endpoint string, msg *relay.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	for waits := 0; ; waits++ {
		err = c.attempt(ctx, http.MethodPost, endpoint, false, payload, nil)
		if !isRateLimited(err) || waits == maxRateLimitWaits {
			return err
		}
	}
}

func isRateLimited(err error) bool {
	var upErr *relay.UpstreamError
	return errors.As(err, &upErr) && upErr.StatusCode == http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, endpoint string, authed bool, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	// lastErr keeps the typed error so callers can inspect it with errors.As.
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = c.attempt(ctx, method, endpoint, authed, payload, out)
			if lastErr == nil || relay.IsTransient(lastErr) {
				return lastErr
			}
			return retry.Unrecoverable(lastErr)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Discord request after error", "method", method, "attempt", n, "error", err)
		}),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, authed bool, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bot "+c.token)
	}
	req.Header.Set("User-Agent", "DiscordBot (socialrelay, 1.0)")

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("Discord request failed", "method", method, "duration_ms", duration.Milliseconds(), "error", err)
		return &relay.UpstreamError{Op: "discord " + method, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &relay.UpstreamError{Op: "discord " + method, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var rl rateLimitBody
		_ = json.Unmarshal(body, &rl)
		wait := time.Duration(rl.RetryAfter * float64(time.Second))
		c.logger.Warn("Discord rate limited", "retry_after_ms", wait.Milliseconds(), "global", rl.Global)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		return &relay.UpstreamError{Op: "discord " + method, StatusCode: resp.StatusCode, Err: errors.New("rate limited")}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if resp.StatusCode >= 500 {
			c.logger.Warn("Discord returned server error", "status_code", resp.StatusCode)
			return &relay.UpstreamError{Op: "discord " + method, StatusCode: resp.StatusCode, Err: apiErr}
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &relay.MalformedPayloadError{Source: "discord", Err: err}
		}
	}
	return nil
}

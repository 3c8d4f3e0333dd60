// Package twitch talks to the Twitch Helix EventSub API and verifies EventSub callbacks.
package twitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"socialrelay/metrics"
	"socialrelay/pkg/relay"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultAPIBase is the Helix root.
	DefaultAPIBase = "https://api.twitch.tv/helix"
	// DefaultTokenURL issues app access tokens.
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

	// StreamOnline is the EventSub type the relay subscribes to.
	StreamOnline = "stream.online"
)

// StatusError is a non-2xx Helix response.
type StatusError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitch: HTTP %d: %s", e.StatusCode, e.Message)
}

// Options configures one credential pool.
type Options struct {
	Name         string
	ClientID     string
	ClientSecret string
	APIBase      string
	TokenURL     string
}

// Client is a Helix client bound to one set of app credentials.
type Client struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	tokens   *clientcredentials.Config
	logger   *slog.Logger
	token    *oauth2.Token
	name     string
	clientID string
	apiBase  string
	mu       sync.Mutex
}

// NewClient creates a Helix client for a credential pool.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	logger = logger.With("pool", opts.Name)

	c := &Client{
		client: &http.Client{Timeout: 30 * time.Second},
		tokens: &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
		},
		logger:   logger,
		name:     opts.Name,
		clientID: opts.ClientID,
		apiBase:  opts.APIBase,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "twitch-" + opts.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about Twitch's health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, errUnauthorized)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return c
}

// Name identifies the pool in logs and metrics.
func (c *Client) Name() string {
	return c.name
}

type subscriptionData struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method   string `json:"method"`
		Callback string `json:"callback"`
	} `json:"transport"`
	CreatedAt time.Time `json:"created_at"`
	Cost      int       `json:"cost"`
}

type subscriptionList struct {
	Data       []subscriptionData `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
	Total        int `json:"total"`
	TotalCost    int `json:"total_cost"`
	MaxTotalCost int `json:"max_total_cost"`
}

// ListSubscriptions returns every subscription held by this pool, following pagination.
// Costs are taken from the first page.
func (c *Client) ListSubscriptions(ctx context.Context) (*relay.SubscriptionPage, error) {
	page := &relay.SubscriptionPage{}
	cursor := ""
	for first := true; first || cursor != ""; first = false {
		q := url.Values{}
		if cursor != "" {
			q.Set("after", cursor)
		}
		body, err := c.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}

		var list subscriptionList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, &relay.MalformedPayloadError{Source: "twitch", Err: err}
		}
		if first {
			page.TotalCost = list.TotalCost
			page.MaxTotalCost = list.MaxTotalCost
		}
		for _, s := range list.Data {
			page.Subscriptions = append(page.Subscriptions, relay.Subscription{
				CreatedAt: s.CreatedAt,
				ID:        s.ID,
				AccountID: s.Condition["broadcaster_user_id"],
				Status:    s.Status,
				Callback:  s.Transport.Callback,
				Cost:      s.Cost,
			})
		}
		cursor = list.Pagination.Cursor
	}

	c.logger.Debug("Listed subscriptions", "count", len(page.Subscriptions), "total_cost", page.TotalCost, "max_total_cost", page.MaxTotalCost)
	return page, nil
}

type createRequest struct {
	Condition map[string]string `json:"condition"`
	Transport createTransport   `json:"transport"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
}

type createTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret"`
}

// CreateSubscription subscribes to stream.online for a broadcaster.
func (c *Client) CreateSubscription(ctx context.Context, accountID, callback, secret string) error {
	req := createRequest{
		Type:      StreamOnline,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": accountID},
		Transport: createTransport{Method: "webhook", Callback: callback, Secret: secret},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, payload); err != nil {
		return fmt.Errorf("create subscription for %s: %w", accountID, err)
	}
	return nil
}

// DeleteSubscription removes a subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

var errUnauthorized = errors.New("twitch: unauthorized")

// do sends a request, refreshing the app token once if Twitch rejects it.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	body, err := c.doRetry(ctx, method, path, query, payload)
	if !errors.Is(err, errUnauthorized) {
		return body, err
	}

	c.logger.Info("Access token rejected, requesting a new one")
	c.resetToken()
	body, err = c.doRetry(ctx, method, path, query, payload)
	if errors.Is(err, errUnauthorized) {
		return nil, relay.ErrAuthExpired
	}
	return body, err
}

func (c *Client) doRetry(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	var body []byte
	var lastErr error
	err := retry.Do(
		func() error {
			body, lastErr = c.breaker.Execute(func() ([]byte, error) {
				return c.attempt(ctx, method, path, query, payload)
			})
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
			c.logger.Info("Retrying Twitch request after error", "method", method, "path", path, "attempt", n, "error", err)
		}),
	)
	if err != nil && lastErr != nil {
		return nil, lastErr
	}
	return body, err
}

func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, &relay.UpstreamError{Op: "twitch token", Err: err}
	}

	endpoint := c.apiBase + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &relay.UpstreamError{Op: "twitch " + method, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &relay.UpstreamError{Op: "twitch " + method, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := rateLimitWait(resp.Header.Get("Ratelimit-Reset"), time.Now())
		c.logger.Warn("Twitch rate limited", "retry_after_ms", wait.Milliseconds())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		return nil, &relay.UpstreamError{Op: "twitch " + method, StatusCode: resp.StatusCode, Err: errors.New("rate limited")}
	case resp.StatusCode >= 500:
		return nil, &relay.UpstreamError{Op: "twitch " + method, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(code int, body []byte) *StatusError {
	se := &StatusError{}
	_ = json.Unmarshal(body, se)
	se.StatusCode = code
	return se
}

// rateLimitWait converts a Ratelimit-Reset unix timestamp into a wait, capped at one minute.
func rateLimitWait(header string, now time.Time) time.Duration {
	reset, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Second
	}
	wait := time.Unix(reset, 0).Sub(now)
	switch {
	case wait < 0:
		return 0
	case wait > time.Minute:
		return time.Minute
	default:
		return wait
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid() {
		return c.token.AccessToken, nil
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch app token: %w", err)
	}
	c.token = tok
	return tok.AccessToken, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

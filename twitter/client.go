// Package twitter resolves account ids to handles through the users lookup API.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"socialrelay/pkg/relay"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultAPIBase is the v2 API root.
const DefaultAPIBase = "https://api.twitter.com/2"

// ErrNotFound means the lookup endpoint rejected the whole request as not found.
var ErrNotFound = errors.New("twitter: not found")

type usersResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// Client calls the users lookup endpoint with an app bearer token.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	apiBase string
}

// NewClient creates a lookup client authenticated with bearerToken.
func NewClient(ctx context.Context, bearerToken string, logger *slog.Logger) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearerToken, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(ctx, src)
	httpClient.Timeout = 30 * time.Second
	return &Client{
		client: httpClient,
		// The lookup endpoint allows 300 requests per 15 minutes per app.
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 5),
		logger:  logger,
		apiBase: DefaultAPIBase,
	}
}

// LookupHandlesByIDs returns the handle of every id that still exists.
// Ids that no longer resolve are absent from the map.
func (c *Client) LookupHandlesByIDs(ctx context.Context, ids []string) (map[string]string, error) {
	endpoint := c.apiBase + "/users?" + url.Values{"ids": {strings.Join(ids, ",")}}.Encode()
	var out map[string]string

	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				return &relay.UpstreamError{Op: "lookup users", Err: err}
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Users lookup completed",
				"ids", len(ids),
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(ErrNotFound)
			case resp.StatusCode != http.StatusOK:
				upstream := &relay.UpstreamError{Op: "lookup users", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
				if upstream.Temporary() {
					return upstream
				}
				return retry.Unrecoverable(upstream)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return &relay.UpstreamError{Op: "read users", Err: err}
			}
			var decoded usersResponse
			if err := json.Unmarshal(body, &decoded); err != nil {
				return retry.Unrecoverable(&relay.MalformedPayloadError{Source: "users lookup", Err: err})
			}

			out = make(map[string]string, len(decoded.Data))
			for _, u := range decoded.Data {
				out[u.ID] = u.Username
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying users lookup after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), ErrNotFound.Error()) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	return out, nil
}

// Package gateway talks to the edge resolution service. The service turns a
// raw IP address and user agent string into the attribute maps that
// location and user-agent segmentation leaves match against, and answers
// membership queries for server-held user lists.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/featuregrid/featuregrid/internal/models"
)

// Client is an HTTP client for the gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	maxTries uint
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMaxTries bounds the retry loop for transient failures.
func WithMaxTries(n uint) Option {
	return func(c *Client) { c.maxTries = n }
}

// NewClient creates a new gateway client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxTries: 3,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveContext asks the gateway to derive location and user-agent
// attributes for the given user. A user with neither an IP address nor a
// user agent resolves to nil without a network call.
func (c *Client) ResolveContext(ctx context.Context, user *models.UserContext) (*models.ResolvedContext, error) {
	if user == nil || (user.IPAddress == "" && user.UserAgent == "") {
		return nil, nil
	}

	body, err := json.Marshal(map[string]string{
		"ipAddress": user.IPAddress,
		"userAgent": user.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resolved models.ResolvedContext
	if err := c.doJSON(ctx, "POST", "/v1/context/resolve", body, nil, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// IsInList reports whether value belongs to the server-held list. It
// implements the list membership check used by inlist() operands.
func (c *Client) IsInList(ctx context.Context, listID, value string) (bool, error) {
	if listID == "" {
		return false, fmt.Errorf("list id is empty")
	}

	q := url.Values{}
	q.Set("value", value)

	var result struct {
		InList bool `json:"inList"`
	}
	path := "/v1/lists/" + url.PathEscape(listID) + "/contains"
	if err := c.doJSON(ctx, "GET", path, nil, q, &result); err != nil {
		return false, err
	}
	return result.InList, nil
}

// doJSON runs one JSON request with exponential-backoff retries. Server
// errors and transport failures are retried; 4xx responses are not.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, query url.Values, out any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	operation := func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return respBody, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(respBody))
		default:
			return nil, backoff.Permanent(fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(respBody)))
		}
	}

	respBody, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries))
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("gateway request failed")
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

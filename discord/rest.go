package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

const DefaultAPIHost = "https://discord.com"

// Error response from the REST API.
type APIError struct {
	Method     string `json:"-"`
	Path       string `json:"-"`
	StatusCode int    `json:"-"`
	// platform-specific JSON error code, when the body had one (eg, 10008 "Unknown Message")
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("discord api %s %s: %d (code=%d): %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("discord api %s %s: %d", e.Method, e.Path, e.StatusCode)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// message (or channel) is already gone
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// bot lacks permission for the operation
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// bot token was rejected
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// Minimal REST client, covering only the calls the moderator needs.
type Client struct {
	// scheme and hostname, eg "https://discord.com"
	Host       string
	Token      string
	UserAgent  string
	HTTPClient *http.Client
	// optional outbound pacing for all requests
	Limiter *rate.Limiter
}

func NewClient(host, token string, httpClient *http.Client) *Client {
	if host == "" {
		host = DefaultAPIHost
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		Host:       strings.TrimSuffix(host, "/"),
		Token:      token,
		UserAgent:  "DiscordBot (https://github.com/countkeeper/countkeeper, dev)",
		HTTPClient: httpClient,
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for api rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Host+"/api/v10"+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		apiRequests.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("discord api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	apiRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
		}
		// best-effort: the body usually carries a code and message
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// Deletes a single message from a channel. Returns an *APIError for non-2xx responses; callers can check IsNotFound / IsForbidden.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil)
}

// Fetches the user the token belongs to. Used at startup to validate credentials.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

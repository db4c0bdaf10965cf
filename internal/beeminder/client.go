// Package beeminder submits tagtime datapoints to a Beeminder-style goal
// tracking service.
package beeminder

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
)

// Command is a datapoint endpoint.
type Command string

const (
	// CommandCreateAll appends every submitted datapoint.
	CommandCreateAll Command = "create_all"
	// CommandTagtimeUpdate replaces the tagtime-originated datapoints.
	CommandTagtimeUpdate Command = "tagtime_update"
	// CommandQuery is recognised but not supported.
	CommandQuery Command = "query"
)

// Defaults for a Client.
const (
	DefaultBaseURL  = "https://www.beeminder.com/api/v1/users"
	DefaultAttempts = 10
	DefaultDelay    = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
)

var (
	// ErrUnsupportedCommand is returned for known commands that cannot be sent.
	ErrUnsupportedCommand = errors.New("beeminder: command not supported")
	// ErrUnknownCommand is returned for unrecognised commands.
	ErrUnknownCommand = errors.New("beeminder: no such command")
)

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandCreateAll, CommandTagtimeUpdate:
		return c, nil
	case CommandQuery:
		return c, fmt.Errorf("%w: %s", ErrUnsupportedCommand, s)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, s)
	}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("beeminder: HTTP %d: %s", e.StatusCode, e.Body)
}

// Client posts datapoints with bounded retry.
type Client struct {
	BaseURL   string
	AuthToken string
	Attempts  int
	Delay     time.Duration

	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client with default retry settings.
func NewClient(baseURL, authToken string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AuthToken: authToken,
		Attempts:  DefaultAttempts,
		Delay:     DefaultDelay,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: logger.With("component", "beeminder"),
	}
}

// SetTimeout sets the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// Endpoint returns the URL a command is posted to.
func (c *Client) Endpoint(cmd Command, user, goal string) string {
	return fmt.Sprintf("%s/%s/goals/%s/datapoints/%s",
		c.BaseURL, url.PathEscape(user), url.PathEscape(goal), cmd)
}

// Submit posts datapoints to the goal and returns the response body.
// Transport errors and 5xx responses are retried up to Attempts times with
// Delay between tries; 4xx responses fail immediately.
func (c *Client) Submit(ctx context.Context, cmd Command, origin, user, goal, datapoints string) ([]byte, error) {
	if _, err := ParseCommand(string(cmd)); err != nil {
		return nil, err
	}
	if user == "" || goal == "" {
		return nil, errors.New("beeminder: user and goal are required")
	}

	form := url.Values{}
	form.Set("datapoints_text", datapoints)
	form.Set("origin", origin)
	if c.AuthToken != "" {
		form.Set("auth_token", c.AuthToken)
	}
	endpoint := c.Endpoint(cmd, user, goal)

	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.post(ctx, endpoint, form)
		if err == nil {
			c.logger.Info("datapoints submitted", "command", string(cmd), "user", user, "goal", goal, "attempt", attempt)
			return body, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		c.logger.Warn("submit failed, retrying", "command", string(cmd), "attempt", attempt, "delay", c.Delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.Delay):
		}
	}

	return nil, fmt.Errorf("beeminder: %s failed after %d attempts: %w", cmd, attempts, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

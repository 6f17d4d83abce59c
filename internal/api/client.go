package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const userAgent = "eom-relay/1.0"

// Client talks to a WordPress REST API. Requests are paced by a token bucket
// so that consecutive calls are at least the configured delay apart.
type Client struct {
	baseURL    string
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

type Options struct {
	BaseURL string
	APIBase string
	Timeout time.Duration
	Delay   time.Duration
	Logger  zerolog.Logger
}

func NewClient(opts Options) *Client {
	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiBase: opts.APIBase,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     opts.Logger.With().Str("component", "api").Logger(),
	}
}

// StatusError is returned when the API answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wordpress api returned %d - %s", e.StatusCode, e.Body)
}

// TransportError wraps failures that happened before a response was read:
// DNS, connection refused, timeouts and the like.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HealthCheck requests the API index, which WordPress serves for route discovery.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.get(ctx, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// PostsQuery mirrors the subset of /posts parameters this client uses.
type PostsQuery struct {
	After   time.Time
	PerPage int
	Page    int
}

func (q PostsQuery) values() url.Values {
	v := url.Values{}
	if !q.After.IsZero() {
		v.Set("after", q.After.UTC().Format(time.RFC3339))
	}
	if q.PerPage > 0 {
		v.Set("per_page", fmt.Sprint(q.PerPage))
	}
	if q.Page > 0 {
		v.Set("page", fmt.Sprint(q.Page))
	}
	v.Set("orderby", "date")
	v.Set("order", "desc")
	v.Set("status", "publish")
	return v
}

// Posts lists published posts, newest first.
func (c *Client) Posts(ctx context.Context, q PostsQuery) ([]Post, error) {
	resp, err := c.get(ctx, "/posts", q.values())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var posts []Post
	if err := json.NewDecoder(resp.Body).Decode(&posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}
	return posts, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + c.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	c.log.Debug().Str("url", u).Msg("GET")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

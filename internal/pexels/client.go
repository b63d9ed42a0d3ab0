package pexels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Static errors for Pexels client operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("pexels: API key is required")
	// ErrQueryRequired is returned when the search query is empty.
	ErrQueryRequired = errors.New("pexels: query is required")
	// ErrUpstreamSearch is returned when the API is unreachable or answers with
	// a non-success status. Callers treat it as "no suitable candidates".
	ErrUpstreamSearch = errors.New("pexels: upstream search failed")
	// ErrRateLimited is returned when the API answers 429.
	ErrRateLimited = errors.New("pexels: rate limited")
)

// Client defines the interface for searching stock videos.
type Client interface {
	// Search queries the index and returns filtered candidates. Transport
	// failures and non-2xx answers are reported as ErrUpstreamSearch.
	Search(ctx context.Context, params SearchParams) ([]Candidate, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
	filter      personFilter
	logger      *slog.Logger
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = &http.Client{Timeout: d}
	}
}

// WithBaseURL sets a custom base URL for the Pexels API.
func WithBaseURL(u string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = u
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// WithDenylist replaces the terms used by the person filter.
func WithDenylist(terms []string) ClientOption {
	return func(hc *HTTPClient) {
		hc.filter = newPersonFilter(terms)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(hc *HTTPClient) {
		if l != nil {
			hc.logger = l
		}
	}
}

// NewClient creates a new Pexels HTTP client. If apiKey is empty it is read
// from PEXELS_API_KEY.
func NewClient(apiKey string, opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		apiKey:      apiKey,
		baseURL:     "https://api.pexels.com",
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		maxRetries:  2,
		baseBackoff: 500 * time.Millisecond,
		filter:      newPersonFilter(DefaultDenylist),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("PEXELS_API_KEY")
	}
	if c.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	return c, nil
}

// Search queries /videos/search for landscape clips and returns the filtered
// candidates in upstream order.
func (c *HTTPClient) Search(ctx context.Context, params SearchParams) ([]Candidate, error) {
	if params.Query == "" {
		return nil, ErrQueryRequired
	}

	q := url.Values{}
	q.Set("query", params.Query)
	q.Set("per_page", strconv.Itoa(params.PerPage()))
	q.Set("orientation", "landscape")
	if params.MinDuration > 0 {
		q.Set("min_duration", strconv.Itoa(params.MinDuration))
	}
	if params.MaxDuration > 0 {
		q.Set("max_duration", strconv.Itoa(params.MaxDuration))
	}
	endpoint := c.baseURL + "/videos/search?" + q.Encode()

	c.logger.Debug("searching pexels",
		slog.String("query", params.Query),
		slog.Int("per_page", params.PerPage()),
		slog.Int("min_duration", params.MinDuration),
		slog.Int("max_duration", params.MaxDuration),
	)

	var resp searchResponse
	if err := c.doRequestWithRetry(ctx, endpoint, &resp); err != nil {
		if errors.Is(err, ErrUpstreamSearch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamSearch, err)
	}

	candidates := c.filter.normalize(resp.Videos)
	c.logger.Info("pexels search finished",
		slog.String("query", params.Query),
		slog.Int("videos", len(resp.Videos)),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// doRequestWithRetry performs a GET with exponential backoff retry.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, endpoint string, result any) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("pexels: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := c.doRequest(ctx, endpoint, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: max retries exceeded: %w", ErrUpstreamSearch, lastErr)
}

// doRequest performs a single HTTP request.
func (c *HTTPClient) doRequest(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("pexels: create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrUpstreamSearch, ctx.Err())
		}
		return &retryableError{err: fmt.Errorf("%w: request failed: %w", ErrUpstreamSearch, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("%w: read response: %w", ErrUpstreamSearch, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := upstreamMessage(body)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &retryableError{err: fmt.Errorf("%w: %w: %s", ErrUpstreamSearch, ErrRateLimited, msg)}
		case resp.StatusCode >= 500:
			return &retryableError{err: fmt.Errorf("%w: status %d: %s", ErrUpstreamSearch, resp.StatusCode, msg)}
		default:
			return fmt.Errorf("%w: status %d: %s", ErrUpstreamSearch, resp.StatusCode, msg)
		}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: unmarshal response: %w", ErrUpstreamSearch, err)
	}
	return nil
}

// upstreamMessage extracts the "error" field of a Pexels error body, falling
// back to a truncated raw body.
func upstreamMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

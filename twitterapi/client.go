// Package twitterapi is a relay.Source for the RapidAPI "twitter241" service.
// It resolves live post counts in one batched call, flattens user timelines
// into posts and looks up single posts and profiles.
package twitterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/telemetry"
)

const (
	// DefaultHost is the RapidAPI host the key is issued for.
	DefaultHost = "twitter241.p.rapidapi.com"

	defaultMaxAttempts = 2
	defaultCacheSize   = 512
	defaultBackoff     = 500 * time.Millisecond
	maxErrorBody       = 512
)

// Config configures a Client.
type Config struct {
	APIKey string
	// Host is sent as x-rapidapi-host. Default: DefaultHost.
	Host string
	// BaseURL overrides https://<Host>, mainly for tests.
	BaseURL string
	// MaxAttempts bounds attempts per request including the first. Default: 2.
	MaxAttempts int
	// Backoff is the base delay before a retry; it doubles per attempt. Default: 500ms.
	Backoff time.Duration
	// CacheSize bounds the single-post lookup cache. Default: 512.
	CacheSize  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the twitter241 API.
type Client struct {
	apiKey      string
	host        string
	baseURL     string
	maxAttempts int
	backoff     time.Duration
	http        *http.Client
	logger      *slog.Logger
	posts       *lru.Cache[string, relay.Post]
}

var _ relay.Source = (*Client)(nil)

// New creates a Client. An empty API key is an error.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("twitterapi: api key empty")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://" + cfg.Host
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cache, err := lru.New[string, relay.Post](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("twitterapi: create cache: %w", err)
	}
	return &Client{
		apiKey:      cfg.APIKey,
		host:        cfg.Host,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger.With(slog.String("component", "twitterapi")),
		posts:       cache,
	}, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitterapi %s: HTTP %d: %s", e.Endpoint, e.Status, e.Body)
}

// IsRetryable reports whether err is worth another attempt: rate limiting,
// server errors and transport failures. Context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// get performs a GET with retries and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		err = c.do(ctx, endpoint, params, out)
		telemetry.RecordSourceRequest(endpoint, outcome(err), time.Since(start))
		if err == nil || !IsRetryable(err) || attempt == c.maxAttempts {
			break
		}
		wait := c.backoff << (attempt - 1)
		//nolint:gosec // G404: math/rand is sufficient for retry jitter, not used for security
		wait += time.Duration(rand.Int64N(int64(wait)/2 + 1))
		c.logger.Debug("retrying request", slog.String("endpoint", endpoint), slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("x-rapidapi-key", c.apiKey)
	req.Header.Set("x-rapidapi-host", c.host)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		return "not_found"
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

type userLegacy struct {
	ScreenName    string `json:"screen_name"`
	StatusesCount *int64 `json:"statuses_count"`
}

type userResult struct {
	RestID string     `json:"rest_id"`
	Legacy userLegacy `json:"legacy"`
	Core   struct {
		ScreenName string `json:"screen_name"`
	} `json:"core"`
}

func (u userResult) handle() string {
	if u.Legacy.ScreenName != "" {
		return u.Legacy.ScreenName
	}
	return u.Core.ScreenName
}

// BatchLiveCounts resolves the current post count of every id in one request.
// Ids the API omits, or returns without a count, are absent from the map.
func (c *Client) BatchLiveCounts(ctx context.Context, ids []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	var body struct {
		Result struct {
			Data struct {
				Users []struct {
					Result *userResult `json:"result"`
				} `json:"users"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := c.get(ctx, "/get-users", url.Values{"users": {strings.Join(ids, ",")}}, &body); err != nil {
		return nil, err
	}
	for _, u := range body.Result.Data.Users {
		if u.Result == nil || u.Result.RestID == "" || u.Result.Legacy.StatusesCount == nil {
			continue
		}
		counts[u.Result.RestID] = *u.Result.Legacy.StatusesCount
	}
	return counts, nil
}

// FetchRecent returns up to max of the account's newest timeline entries as
// posts, newest first. Replies and malformed entries within that window are
// reported in Batch.Ignored. A pinned post is appended after the organic ones.
func (c *Client) FetchRecent(ctx context.Context, id string, max int) (relay.Batch, error) {
	if id == "" {
		return relay.Batch{}, errors.New("twitterapi: account id empty")
	}
	if max <= 0 {
		return relay.Batch{}, nil
	}
	var body timelineResponse
	params := url.Values{"user": {id}, "count": {strconv.Itoa(max)}}
	if err := c.get(ctx, "/user-tweets", params, &body); err != nil {
		return relay.Batch{}, err
	}
	return flattenTimeline(body, max), nil
}

// FetchByID looks up a single post. ok is false when the API has no such post.
func (c *Client) FetchByID(ctx context.Context, postID string) (relay.Post, bool, error) {
	if postID == "" {
		return relay.Post{}, false, nil
	}
	if p, ok := c.posts.Get(postID); ok {
		return p, true, nil
	}
	var body struct {
		Tweet *singleTweet `json:"tweet"`
	}
	err := c.get(ctx, "/tweet", url.Values{"pid": {postID}}, &body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return relay.Post{}, false, nil
	}
	if err != nil {
		return relay.Post{}, false, err
	}
	if body.Tweet == nil || (body.Tweet.FullText == "" && body.Tweet.NoteTweet == nil) {
		return relay.Post{}, false, nil
	}
	p := body.Tweet.post(postID)
	c.posts.Add(postID, p)
	return p, true, nil
}

// UserByHandle resolves a handle to its profile. ok is false when the API
// knows no such user.
func (c *Client) UserByHandle(ctx context.Context, handle string) (relay.Profile, bool, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return relay.Profile{}, false, nil
	}
	var body struct {
		Result struct {
			Data struct {
				User struct {
					Result *userResult `json:"result"`
				} `json:"user"`
			} `json:"data"`
		} `json:"result"`
	}
	err := c.get(ctx, "/user", url.Values{"username": {handle}}, &body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return relay.Profile{}, false, nil
	}
	if err != nil {
		return relay.Profile{}, false, err
	}
	u := body.Result.Data.User.Result
	if u == nil || u.RestID == "" {
		return relay.Profile{}, false, nil
	}
	p := relay.Profile{ID: u.RestID, Handle: u.handle(), PostCount: relay.UnknownCount}
	if p.Handle == "" {
		p.Handle = handle
	}
	if u.Legacy.StatusesCount != nil {
		p.PostCount = *u.Legacy.StatusesCount
	}
	return p, true, nil
}

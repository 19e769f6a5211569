package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"karmaguard/internal/pkg/circuitbreaker"
	"karmaguard/internal/pkg/config"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
)

const permalinkHost = "https://www.reddit.com"

// Reddit-style JSON API client. Implements Feed and Executor.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	limit     int

	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *circuitbreaker.CircuitBreaker

	// Looks up account creation dates for authors; off by default since it
	// costs one request per new author.
	fetchAuthorAge bool
	authorMu       sync.Mutex
	authorCreated  map[string]time.Time
}

type Option func(*Client)

func WithAuthorAge() Option {
	return func(c *Client) { c.fetchAuthorAge = true }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(cfg *config.Config, opts ...Option) *Client {
	r := rate.Limit(cfg.PlatformRate)
	if cfg.PlatformRate <= 0 {
		r = rate.Inf
	}
	burst := cfg.PlatformBurst
	if burst <= 0 {
		burst = 1
	}
	limit := cfg.FetchLimit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	c := &Client{
		baseURL:        strings.TrimRight(cfg.PlatformBaseURL, "/"),
		token:          cfg.PlatformToken,
		userAgent:      cfg.PlatformUserAgent,
		limit:          limit,
		httpClient:     &http.Client{Timeout: cfg.PlatformTimeout},
		rateLimiter:    rate.NewLimiter(r, burst),
		circuitBreaker: circuitbreaker.NewCircuitBreaker("platform", 5, 30*time.Second),
		authorCreated:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("platform returned status %d: %s", e.code, e.body)
}

// Client errors other than rate limiting say nothing about platform health.
func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	return c.circuitBreaker.ExecuteIgnoring(func() error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, isClientError)
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string     `json:"kind"`
			Data submission `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type submission struct {
	ID                string  `json:"id"`
	Author            string  `json:"author"`
	Subreddit         string  `json:"subreddit"`
	Title             string  `json:"title"`
	Selftext          string  `json:"selftext"`
	URL               string  `json:"url"`
	Permalink         string  `json:"permalink"`
	CreatedUTC        float64 `json:"created_utc"`
	Score             int     `json:"score"`
	IsSelf            bool    `json:"is_self"`
	Locked            bool    `json:"locked"`
	Stickied          bool    `json:"stickied"`
	RemovedByCategory *string `json:"removed_by_category"`
}

func unixTime(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func (s submission) toPost(fetchedAt time.Time) models.Post {
	post := models.Post{
		ID:        s.ID,
		Author:    s.Author,
		Subreddit: s.Subreddit,
		Title:     s.Title,
		Body:      s.Selftext,
		CreatedAt: unixTime(s.CreatedUTC),
		Score:     s.Score,
		FetchedAt: fetchedAt,
		Locked:    s.Locked,
		Stickied:  s.Stickied,
		Removed:   s.RemovedByCategory != nil && *s.RemovedByCategory != "",
	}
	if !s.IsSelf {
		post.Link = s.URL
	}
	if s.Permalink != "" {
		post.Permalink = permalinkHost + s.Permalink
	}
	return post
}

func (c *Client) NextPosts(ctx context.Context, subreddit string, since time.Time) ([]models.Post, error) {
	path := fmt.Sprintf("/r/%s/new.json?limit=%d&raw_json=1", url.PathEscape(subreddit), c.limit)

	var l listing
	if err := c.do(ctx, http.MethodGet, path, nil, &l); err != nil {
		return nil, fmt.Errorf("%w: r/%s: %v", models.ErrTransientFetch, subreddit, err)
	}

	now := time.Now()
	posts := make([]models.Post, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "" && child.Kind != "t3" {
			continue
		}
		post := child.Data.toPost(now)
		if !post.CreatedAt.After(since) {
			continue
		}
		if c.fetchAuthorAge {
			if created, ok := c.authorCreatedAt(ctx, post.Author); ok {
				post.AuthorCreatedAt = &created
			}
		}
		posts = append(posts, post)
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})
	return posts, nil
}

func (c *Client) authorCreatedAt(ctx context.Context, author string) (time.Time, bool) {
	if author == "" || author == "[deleted]" {
		return time.Time{}, false
	}
	c.authorMu.Lock()
	created, ok := c.authorCreated[author]
	c.authorMu.Unlock()
	if ok {
		return created, true
	}

	var about struct {
		Data struct {
			CreatedUTC float64 `json:"created_utc"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/"+url.PathEscape(author)+"/about.json", nil, &about); err != nil {
		logger.Log.Debug("Author lookup failed", zap.String("author", author), zap.Error(err))
		return time.Time{}, false
	}
	if about.Data.CreatedUTC <= 0 {
		return time.Time{}, false
	}
	created = unixTime(about.Data.CreatedUTC)

	c.authorMu.Lock()
	c.authorCreated[author] = created
	c.authorMu.Unlock()
	return created, true
}

func thingID(postID string) string {
	if strings.HasPrefix(postID, "t3_") {
		return postID
	}
	return "t3_" + postID
}

func (c *Client) Comment(ctx context.Context, postID, text string) error {
	form := url.Values{
		"api_type": {"json"},
		"thing_id": {thingID(postID)},
		"text":     {text},
	}
	if err := c.do(ctx, http.MethodPost, "/api/comment", form, nil); err != nil {
		metrics.ActionFailures.WithLabelValues(string(models.ActionComment)).Inc()
		return fmt.Errorf("%w: comment on %s: %v", models.ErrActionExecution, postID, err)
	}
	return nil
}

func (c *Client) Report(ctx context.Context, postID, reason string) error {
	form := url.Values{
		"api_type": {"json"},
		"thing_id": {thingID(postID)},
		"reason":   {reason},
	}
	if err := c.do(ctx, http.MethodPost, "/api/report", form, nil); err != nil {
		metrics.ActionFailures.WithLabelValues(string(models.ActionReport)).Inc()
		return fmt.Errorf("%w: report %s: %v", models.ErrActionExecution, postID, err)
	}
	return nil
}

package normalizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/circuitbreaker"
	"karmaguard/internal/pkg/logger"
)

var defaultShortenerHosts = []string{
	"bit.ly", "tinyurl.com", "t.co", "goo.gl", "ow.ly", "is.gd", "buff.ly",
	"rebrand.ly", "cutt.ly", "shorturl.at", "tiny.cc", "rb.gy", "amzn.to",
}

const maxResolverCacheEntries = 10000

// Expands links from known URL shorteners by reading the redirect target.
// Resolution is best effort: any failure returns the raw link.
type ShortenerResolver struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	hosts   map[string]struct{}
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func NewShortenerResolver(timeout time.Duration, extraHosts ...string) *ShortenerResolver {
	hosts := make(map[string]struct{}, len(defaultShortenerHosts)+len(extraHosts))
	for _, h := range append(defaultShortenerHosts, extraHosts...) {
		hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &ShortenerResolver{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker: circuitbreaker.NewCircuitBreaker("url-shortener", 5, time.Minute),
		hosts:   hosts,
		timeout: timeout,
		cache:   make(map[string]string),
	}
}

// Reports whether the link points at a known shortener.
func (r *ShortenerResolver) IsShortened(link string) bool {
	_, ok := r.hosts[Host(link)]
	return ok
}

// Returns the redirect target of a shortened link, or link itself.
func (r *ShortenerResolver) Resolve(ctx context.Context, link string) string {
	if r == nil || !r.IsShortened(link) {
		return link
	}

	r.mu.Lock()
	if target, ok := r.cache[link]; ok {
		r.mu.Unlock()
		return target
	}
	r.mu.Unlock()

	target, err := r.lookup(ctx, link)
	if err != nil {
		logger.Log.Debug("Shortener resolution failed, keeping raw link",
			zap.String("link", link), zap.Error(err))
		return link
	}

	r.mu.Lock()
	if len(r.cache) >= maxResolverCacheEntries {
		r.cache = make(map[string]string)
	}
	r.cache[link] = target
	r.mu.Unlock()
	return target
}

func (r *ShortenerResolver) lookup(ctx context.Context, link string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	target := ""
	err := r.breaker.Execute(func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, withScheme(link), nil)
		if err != nil {
			return err
		}
		response, err := r.client.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		if response.StatusCode < 300 || response.StatusCode >= 400 {
			return fmt.Errorf("shortener returned status %d", response.StatusCode)
		}
		location, err := response.Location()
		if err != nil {
			return err
		}
		target = location.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", errors.New("empty redirect target")
	}
	return target, nil
}

func withScheme(link string) string {
	link = strings.TrimSpace(link)
	if strings.Contains(link, "://") {
		return link
	}
	return "https://" + strings.TrimPrefix(link, "//")
}

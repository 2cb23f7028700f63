// Package weather resolves the current condition for a cell from an
// OpenWeatherMap-compatible HTTP API.
package weather

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
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/linnemanlabs/locus/internal/geo"
	"github.com/linnemanlabs/locus/internal/trigger"
)

const (
	// DefaultCacheBucket groups lookups for the same cell.
	DefaultCacheBucket = 10 * time.Minute

	httpTimeout = 10 * time.Second
	// past this many cached entries, expired ones are pruned on insert
	pruneThreshold = 4096
)

type cached struct {
	condition trigger.Condition
	expires   time.Time
}

// Client is a trigger.ConditionLookup backed by a weather API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	bucket     time.Duration
	now        func() time.Time
	cache      cmap.ConcurrentMap[string, cached]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithCacheBucket sets the cache granularity. Zero disables caching.
func WithCacheBucket(d time.Duration) Option { return func(c *Client) { c.bucket = d } }

// WithClock injects the wall clock used for cache expiry.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// New creates a weather client for endpoint, e.g. https://api.openweathermap.org.
func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: httpTimeout},
		bucket:     DefaultCacheBucket,
		now:        time.Now,
		cache:      cmap.New[cached](),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CurrentCondition implements trigger.ConditionLookup. The condition is the
// lower-cased main weather group at the cell's centroid, e.g. "drizzle".
func (c *Client) CurrentCondition(ctx context.Context, cell geo.Cell, at time.Time) (trigger.Condition, error) {
	key := c.cacheKey(cell, at)
	if c.bucket > 0 {
		if e, ok := c.cache.Get(key); ok {
			if c.now().Before(e.expires) {
				return e.condition, nil
			}
			c.cache.Remove(key)
		}
	}

	lat, lon, err := geo.Center(cell)
	if err != nil {
		return "", fmt.Errorf("weather: %w", err)
	}

	cond, err := c.fetch(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	if c.bucket > 0 {
		if c.cache.Count() > pruneThreshold {
			c.Prune()
		}
		c.cache.Set(key, cached{condition: cond, expires: c.now().Add(c.bucket)})
	}
	return cond, nil
}

// Prune drops expired cache entries and returns how many.
func (c *Client) Prune() int {
	now := c.now()
	n := 0
	for _, k := range c.cache.Keys() {
		if c.cache.RemoveCb(k, func(_ string, e cached, exists bool) bool {
			return exists && !now.Before(e.expires)
		}) {
			n++
		}
	}
	return n
}

func (c *Client) cacheKey(cell geo.Cell, at time.Time) string {
	if c.bucket <= 0 {
		return string(cell)
	}
	return string(cell) + "|" + strconv.FormatInt(at.Truncate(c.bucket).Unix(), 10)
}

type apiResponse struct {
	Weather []struct {
		ID   int    `json:"id"`
		Main string `json:"main"`
	} `json:"weather"`
}

func (c *Client) fetch(ctx context.Context, lat, lon float64) (trigger.Condition, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("weather: invalid endpoint: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/data/2.5/weather"

	q := u.Query()
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	if c.apiKey != "" {
		q.Set("appid", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("weather: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: endpoint is from trusted config
	if err != nil {
		return "", fmt.Errorf("weather: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("weather: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather: api returned %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", fmt.Errorf("weather: decode response: %w", err)
	}
	if len(ar.Weather) == 0 || ar.Weather[0].Main == "" {
		return "", errors.New("weather: response has no conditions")
	}
	return trigger.Condition(strings.ToLower(ar.Weather[0].Main)), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package similarity provides a client for an external vector-similarity
// service. The engine only aggregates similarity scores; computing them
// belongs to the remote service, which is treated as a narrow capability
// that may time out.
package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lvonguyen/convergence/internal/identity"
	"github.com/lvonguyen/convergence/internal/scoring"
)

const defaultBaseURL = "http://localhost:9200"

// Config holds similarity client configuration.
type Config struct {
	// Enabled wires the client into the scorer. Disabled, every score
	// is computed degraded with h2 = 0.
	Enabled bool `yaml:"enabled"`

	// BaseURL of the similarity service.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the env var holding the API key. Empty disables
	// authentication.
	APIKeyEnv string `yaml:"api_key_env"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout"`

	// CacheTTL is how long lookup results (including empty ones) are
	// reused before re-querying.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize is the max cached lookups.
	CacheSize int `yaml:"cache_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:   defaultBaseURL,
		Timeout:   2 * time.Second,
		CacheTTL:  5 * time.Minute,
		CacheSize: 4096,
	}
}

// RateLimitStatus tracks the service's advertised rate limit headers.
type RateLimitStatus struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// Client implements scoring.Source over HTTP with an expiring LRU cache.
type Client struct {
	config     Config
	apiKey     string
	httpClient *http.Client
	cache      *lru.LRU[string, []scoring.Neighbor]
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
}

var _ scoring.Source = (*Client)(nil)

// NewClient creates a similarity client. It fails when APIKeyEnv is set
// but the env var is empty.
func NewClient(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("similarity API key not found in env var: %s", cfg.APIKeyEnv)
		}
	}

	return &Client{
		config:     cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      lru.NewLRU[string, []scoring.Neighbor](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

type similarResponse struct {
	Results []scoring.Neighbor `json:"results"`
}

// Similar returns the top-k records most similar to subject. Results are
// cached per (subject, k), negative results included.
func (c *Client) Similar(ctx context.Context, subject identity.Identity, k int) ([]scoring.Neighbor, error) {
	key := string(subject) + ":" + strconv.Itoa(k)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/similar/%s?k=%d", c.config.BaseURL, url.PathEscape(string(subject)), k)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating similarity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("similarity lookup failed: %w", err)
	}
	defer resp.Body.Close()

	c.updateRateLimit(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.cache.Add(key, nil)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("similarity service returned status %d", resp.StatusCode)
	}

	var body similarResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding similarity response: %w", err)
	}

	if len(body.Results) > k {
		body.Results = body.Results[:k]
	}
	c.cache.Add(key, body.Results)
	return body.Results, nil
}

// HealthCheck verifies connectivity to the similarity service.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("similarity health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("similarity authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("similarity service returned status %d", resp.StatusCode)
	}
	return nil
}

// RateLimit returns the last observed rate limit status.
func (c *Client) RateLimit() RateLimitStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

func (c *Client) updateRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	limit := resp.Header.Get("X-RateLimit-Limit")
	if remaining == "" && limit == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, err := strconv.Atoi(remaining); err == nil {
		c.rateLimit.Remaining = v
	}
	if v, err := strconv.Atoi(limit); err == nil {
		c.rateLimit.Limit = v
	}
	c.rateLimit.ResetAt = time.Now().Add(time.Minute)
}

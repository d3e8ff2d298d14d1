package similarity

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/convergence/internal/identity"
)

var testSubject = identity.Identity(strings.Repeat("ab", 24))

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// =============================================================================
// Lookup Tests
// =============================================================================

func TestSimilar_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/similar/"+string(testSubject) {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("k") != "5" {
			t.Errorf("unexpected k: %s", r.URL.Query().Get("k"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"id":"n1","score":0.91},{"id":"n2","score":0.42}]}`)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	got, err := c.Similar(context.Background(), testSubject, 5)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(got))
	}
	if got[0].ID != "n1" || got[0].Score != 0.91 {
		t.Errorf("unexpected first neighbor: %+v", got[0])
	}
}

func TestSimilar_TruncatesToK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"id":"n1","score":0.9},{"id":"n2","score":0.8},{"id":"n3","score":0.7}]}`)
	}))
	defer server.Close()

	got, err := testClient(t, server.URL).Similar(context.Background(), testSubject, 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected results truncated to k=2, got %d", len(got))
	}
}

func TestSimilar_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if _, err := testClient(t, server.URL).Similar(context.Background(), testSubject, 5); err == nil {
		t.Error("expected error on 500 response")
	}
}

// =============================================================================
// Caching Tests
// =============================================================================

// TestSimilar_CacheHit verifies the second identical lookup never reaches
// the service.
func TestSimilar_CacheHit(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"results":[{"id":"n1","score":0.5}]}`)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.Similar(context.Background(), testSubject, 5); err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
	}
	if requests != 1 {
		t.Errorf("expected 1 upstream request, got %d", requests)
	}

	// A different k is a distinct cache entry.
	if _, err := c.Similar(context.Background(), testSubject, 3); err != nil {
		t.Fatalf("lookup with different k: %v", err)
	}
	if requests != 2 {
		t.Errorf("expected 2 upstream requests after k change, got %d", requests)
	}
}

// TestSimilar_NegativeCaching verifies a 404 is cached so unknown
// subjects do not hammer the service.
func TestSimilar_NegativeCaching(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	for i := 0; i < 3; i++ {
		got, err := c.Similar(context.Background(), testSubject, 5)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if got != nil {
			t.Fatalf("lookup %d: expected nil neighbors, got %v", i, got)
		}
	}
	if requests != 1 {
		t.Errorf("expected 1 upstream request for repeated miss, got %d", requests)
	}
}

// =============================================================================
// Authentication Tests
// =============================================================================

func TestSimilar_AuthHeader(t *testing.T) {
	t.Setenv("SIMILARITY_API_KEY", "test-key-123")

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.APIKeyEnv = "SIMILARITY_API_KEY"
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := c.Similar(context.Background(), testSubject, 5); err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if gotAuth != "Bearer test-key-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestNewClient_MissingAPIKey(t *testing.T) {
	t.Setenv("SIMILARITY_API_KEY", "")

	cfg := DefaultConfig()
	cfg.APIKeyEnv = "SIMILARITY_API_KEY"
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error when configured env var is empty")
	}
}

// =============================================================================
// Rate Limit and Health Tests
// =============================================================================

func TestSimilar_RateLimitHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Limit", "100")
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	if _, err := c.Similar(context.Background(), testSubject, 5); err != nil {
		t.Fatalf("Similar: %v", err)
	}

	status := c.RateLimit()
	if status.Remaining != 42 || status.Limit != 100 {
		t.Errorf("rate limit status = %+v", status)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unauthorized", http.StatusUnauthorized, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		err := testClient(t, server.URL).HealthCheck(context.Background())
		if tt.wantErr && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
		server.Close()
	}
}

func TestSimilar_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.Timeout = 20 * time.Millisecond
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := c.Similar(context.Background(), testSubject, 5); err == nil {
		t.Error("expected timeout error from slow service")
	}
}

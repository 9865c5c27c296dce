package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"proxybroker/internal/domain"
)

func fastAPI(t *testing.T, url string, opts ...APIOption) *APISource {
	t.Helper()
	src, err := NewAPISource(APIConfig{
		URL:          url,
		CallInterval: time.Millisecond,
		ErrorBackoff: time.Millisecond,
		Timeout:      time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("NewAPISource returned %v", err)
	}
	return src
}

func TestMaxAttempts(t *testing.T) {
	tests := []struct{ count, want int }{
		{1, 10},
		{10, 15},
		{100, 60},
		{180, 100},
		{1000, 100},
	}
	for _, tt := range tests {
		if got := MaxAttempts(tt.count); got != tt.want {
			t.Fatalf("MaxAttempts(%d) = %d, want %d", tt.count, got, tt.want)
		}
	}
}

func TestAPISourceCollectsDistinctProxies(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != apiUserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		n := calls.Add(1)
		// every call repeats one proxy from the previous batch
		fmt.Fprintf(w, `{"code":0,"data":[{"ip":"10.0.0.%d","port":80},{"ip":"10.0.0.%d","port":80}]}`, n, n+1)
	}))
	defer server.Close()

	got, err := fastAPI(t, server.URL).Fetch(context.Background(), 5)
	if err != nil {
		t.Fatalf("Fetch returned %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Fetch returned %d proxies, want 5", len(got))
	}
	seen := map[string]bool{}
	for _, candidate := range got {
		if seen[candidate.Address()] {
			t.Fatalf("Fetch returned duplicate %s", candidate.Address())
		}
		seen[candidate.Address()] = true
	}
	if calls.Load() != 4 {
		t.Fatalf("api called %d times, want 4", calls.Load())
	}
}

func TestAPISourceTruncatesToCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.1.1.1:80\n2.2.2.2:80\n3.3.3.3:80\n")
	}))
	defer server.Close()

	got, err := fastAPI(t, server.URL).Fetch(context.Background(), 2)
	if err != nil {
		t.Fatalf("Fetch returned %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Fetch returned %d proxies, want 2", len(got))
	}
}

func TestAPISourceStopsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"code":0,"data":[{"ip":"1.1.1.1","port":80}]}`)
	}))
	defer server.Close()

	got, err := fastAPI(t, server.URL).Fetch(context.Background(), 4)
	if err != nil {
		t.Fatalf("Fetch returned %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Fetch returned %d proxies, want 1", len(got))
	}
	if int(calls.Load()) != MaxAttempts(4) {
		t.Fatalf("api called %d times, want %d", calls.Load(), MaxAttempts(4))
	}
}

func TestAPISourceReturnsLastErrorWhenNothingArrived(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	got, err := fastAPI(t, server.URL).Fetch(context.Background(), 1)
	if err == nil {
		t.Fatalf("Fetch returned nil error, want status error")
	}
	if len(got) != 0 {
		t.Fatalf("Fetch returned %d proxies, want none", len(got))
	}
}

func TestAPISourceStopsOnWhitelistError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"code":1,"msg":"please add your ip to the whitelist"}`)
	}))
	defer server.Close()

	_, err := fastAPI(t, server.URL).Fetch(context.Background(), 3)
	if !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("Fetch error = %v, want %v", err, ErrNotWhitelisted)
	}
	if calls.Load() != 1 {
		t.Fatalf("api called %d times, want 1", calls.Load())
	}
}

func TestAPISourceSpacesCalls(t *testing.T) {
	var last atomic.Int64
	var tooSoon atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UnixNano()
		if prev := last.Swap(now); prev != 0 && time.Duration(now-prev) < 40*time.Millisecond {
			tooSoon.Store(true)
		}
		fmt.Fprintf(w, "10.0.0.%d:80\n", now%200+1)
	}))
	defer server.Close()

	src, err := NewAPISource(APIConfig{URL: server.URL, CallInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewAPISource returned %v", err)
	}
	if _, err := src.Fetch(context.Background(), 3); err != nil {
		t.Fatalf("Fetch returned %v", err)
	}
	if tooSoon.Load() {
		t.Fatalf("api was called faster than the configured interval")
	}
}

func TestAPISourceHonoursCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	src, err := NewAPISource(APIConfig{URL: server.URL, CallInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewAPISource returned %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := src.Fetch(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fetch error = %v, want %v", err, context.DeadlineExceeded)
	}
}

type stubRenderer struct {
	body string
	urls []string
}

func (r *stubRenderer) Render(_ context.Context, url string) (string, error) {
	r.urls = append(r.urls, url)
	return r.body, nil
}

func TestAPISourceRendersThroughBrowser(t *testing.T) {
	renderer := &stubRenderer{body: `{"code":0,"data":[{"ip":"4.4.4.4","port":8000}]}`}
	src, err := NewAPISource(APIConfig{
		URL:          "https://vendor.example/extract",
		Protocol:     domain.ProtocolHTTPS,
		CallInterval: time.Millisecond,
		Render:       true,
	}, WithRenderer(renderer))
	if err != nil {
		t.Fatalf("NewAPISource returned %v", err)
	}

	got, err := src.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch returned %v", err)
	}
	if len(got) != 1 || got[0].Protocol != domain.ProtocolHTTPS {
		t.Fatalf("Fetch returned %v, want one https proxy", got)
	}
	if len(renderer.urls) != 1 || renderer.urls[0] != "https://vendor.example/extract" {
		t.Fatalf("renderer saw %v", renderer.urls)
	}
}

func TestNewAPISourceValidation(t *testing.T) {
	if _, err := NewAPISource(APIConfig{URL: "ftp://vendor"}); err == nil {
		t.Fatalf("NewAPISource accepted a non-http url")
	}
	if _, err := NewAPISource(APIConfig{URL: "https://vendor", Render: true}); err == nil {
		t.Fatalf("NewAPISource accepted render without a renderer")
	}
}

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"proxybroker/internal/domain"

	"github.com/charmbracelet/log"
)

const (
	DefaultCallInterval = 2 * time.Second
	DefaultErrorBackoff = time.Second
	DefaultAPITimeout   = 10 * time.Second
	apiUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxAPIBodyBytes     = 4 << 20
)

// Renderer loads a URL in a real browser and returns the visible page text.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

type APIConfig struct {
	URL          string
	Protocol     domain.Protocol
	CallInterval time.Duration
	ErrorBackoff time.Duration
	Timeout      time.Duration
	Render       bool
}

// APISource pulls proxies from a vendor extraction endpoint. Calls are
// spaced by CallInterval across all goroutines sharing the source.
type APISource struct {
	cfg      APIConfig
	client   *http.Client
	renderer Renderer

	mu       sync.Mutex
	lastCall time.Time
}

type APIOption func(*APISource)

func WithHTTPClient(client *http.Client) APIOption {
	return func(s *APISource) {
		if client != nil {
			s.client = client
		}
	}
}

func WithRenderer(renderer Renderer) APIOption {
	return func(s *APISource) {
		s.renderer = renderer
	}
}

func NewAPISource(cfg APIConfig, opts ...APIOption) (*APISource, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("source: api url %q must be http or https", cfg.URL)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = domain.ProtocolHTTP
	}
	if cfg.CallInterval <= 0 {
		cfg.CallInterval = DefaultCallInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAPITimeout
	}

	s := &APISource{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Render && s.renderer == nil {
		return nil, errors.New("source: render is enabled but no browser renderer was given")
	}
	return s, nil
}

// MaxAttempts bounds the API calls one Fetch may spend on count proxies.
func MaxAttempts(count int) int {
	return max(10, min(100, count/2+10))
}

// Fetch calls the API until count distinct proxies are collected or the
// attempt limit runs out. A partial result is not an error.
func (s *APISource) Fetch(ctx context.Context, count int) ([]domain.Candidate, error) {
	if count <= 0 {
		return nil, nil
	}

	var (
		out      = make([]domain.Candidate, 0, count)
		seen     = make(map[string]struct{}, count)
		lastErr  error
		attempts int
		limit    = MaxAttempts(count)
	)

	for len(out) < count && attempts < limit {
		attempts++
		if err := s.waitTurn(ctx); err != nil {
			return out, err
		}

		candidates, err := s.fetchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, ErrNotWhitelisted) {
				log.Error("proxy api refused this host", "url", s.cfg.URL, "error", err)
				return out, err
			}
			log.Warn("proxy api call failed", "url", s.cfg.URL, "attempt", attempts, "error", err)
			lastErr = err
			if err := sleepContext(ctx, s.cfg.ErrorBackoff); err != nil {
				return out, err
			}
			continue
		}

		for _, candidate := range candidates {
			key := candidate.Address()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, candidate)
			if len(out) == count {
				break
			}
		}
	}

	if len(out) < count {
		log.Warn("proxy api delivered fewer proxies than requested", "url", s.cfg.URL, "requested", count, "received", len(out), "attempts", attempts)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (s *APISource) fetchOnce(ctx context.Context) ([]domain.Candidate, error) {
	body, err := s.call(ctx)
	if err != nil {
		return nil, err
	}
	return ParseResponse(body, s.cfg.Protocol)
}

func (s *APISource) call(ctx context.Context) ([]byte, error) {
	if s.cfg.Render {
		text, err := s.renderer.Render(ctx, s.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", s.cfg.URL, err)
		}
		return []byte(text), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", apiUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy api returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAPIBodyBytes))
}

func (s *APISource) waitTurn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastCall.IsZero() {
		if wait := s.cfg.CallInterval - time.Since(s.lastCall); wait > 0 {
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
		}
	}
	s.lastCall = time.Now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

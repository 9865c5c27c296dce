package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proxybroker/internal/domain"
	"proxybroker/internal/geo"

	"github.com/charmbracelet/log"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultTestURL   = "https://api.ipify.org?format=json"
	maxBodyBytes     = 1 << 20
)

var rateLimitHints = []string{"forbidden", "too many requests", "rate limit", "blocked", "banned"}

// CountryResolver maps an exit IP to an ISO country code.
type CountryResolver interface {
	Country(ip string) (string, error)
}

type Settings struct {
	TestURLs      []string
	IPPath        string
	CountryPath   string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	UserAgent     string
	TargetCountry string
}

type Checker struct {
	settings Settings
	urls     *urlRotation
	geo      CountryResolver
	now      func() time.Time
}

type Option func(*Checker)

func WithCountryResolver(resolver CountryResolver) Option {
	return func(c *Checker) {
		c.geo = resolver
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

func New(settings Settings, opts ...Option) (*Checker, error) {
	if len(settings.TestURLs) == 0 {
		settings.TestURLs = []string{DefaultTestURL}
	}
	for _, url := range settings.TestURLs {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("checker: test url %q must be http or https", url)
		}
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	if settings.UserAgent == "" {
		settings.UserAgent = DefaultUserAgent
	}
	settings.TargetCountry = strings.TrimSpace(settings.TargetCountry)

	c := &Checker{settings: settings, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.urls = newURLRotation(settings.TestURLs, c.now)

	if c.settings.TargetCountry != "" && c.geo == nil && c.settings.CountryPath == "" {
		return nil, errors.New("checker: target country needs a geoip database or a country_path")
	}
	return c, nil
}

// Check validates candidate, or direct connectivity when candidate is nil.
// Ordinary failures come back as an unsuccessful result; the error is kept
// for cancellation of the caller's context.
func (c *Checker) Check(ctx context.Context, candidate *domain.Candidate, timeout time.Duration) (domain.CheckResult, error) {
	if timeout <= 0 {
		timeout = c.settings.Timeout
	}

	transport, err := newTransport(candidate, timeout)
	if err != nil {
		return c.failed("", err.Error()), nil
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: timeout}
	testURL := c.urls.next()
	start := c.now()

	var result domain.CheckResult
	for attempt := 0; attempt <= c.settings.MaxRetries; attempt++ {
		var retry bool
		result, retry = c.attempt(ctx, client, candidate, testURL)
		if result.Success || !retry || attempt == c.settings.MaxRetries {
			break
		}

		if err := sleep(ctx, c.settings.RetryDelay); err != nil {
			break
		}
		testURL = c.urls.next()
	}

	if ctx.Err() != nil && !result.Success {
		return result, ctx.Err()
	}
	if result.Success {
		result.ResponseTime = c.now().Sub(start)
	}
	return result, nil
}

func (c *Checker) attempt(ctx context.Context, client *http.Client, candidate *domain.Candidate, testURL string) (domain.CheckResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return c.failed(testURL, err.Error()), false
	}
	req.Header.Set("User-Agent", c.settings.UserAgent)
	req.Header.Set("Connection", "close")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return c.failed(testURL, ctx.Err().Error()), false
		}
		if candidate != nil && isProxyFailure(err) {
			return c.failed(testURL, "proxy connection failed: "+err.Error()), false
		}
		message := strings.ToLower(err.Error())
		for _, hint := range rateLimitHints {
			if strings.Contains(message, hint) {
				c.urls.block(testURL, 0)
				break
			}
		}
		return c.failed(testURL, "request failed: "+err.Error()), true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.urls.block(testURL, resp.StatusCode)
		result := c.failed(testURL, fmt.Sprintf("unexpected status %d", resp.StatusCode))
		result.StatusCode = resp.StatusCode
		return result, isRateLimited(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.failed(testURL, "read body: "+err.Error()), true
	}

	result := domain.CheckResult{
		Success:    true,
		IP:         extractIP(body, c.settings.IPPath),
		StatusCode: resp.StatusCode,
		TestURL:    testURL,
		CheckedAt:  c.now(),
	}

	if c.settings.TargetCountry != "" {
		result.Country = c.country(body, result.IP)
		if result.Country == "" {
			return c.failedWith(result, "could not determine exit country"), false
		}
		if !geo.Match(result.Country, c.settings.TargetCountry) {
			return c.failedWith(result, fmt.Sprintf("exit country %s does not match %s", result.Country, c.settings.TargetCountry)), false
		}
	}

	return result, false
}

func (c *Checker) country(body []byte, ip string) string {
	if value := lookupString(body, c.settings.CountryPath); value != "" {
		return geo.Normalize(value)
	}
	if c.geo == nil || ip == "" {
		return ""
	}
	code, err := c.geo.Country(ip)
	if err != nil {
		log.Debug("checker: geoip lookup failed", "ip", ip, "error", err)
		return ""
	}
	return code
}

// URLStatus reports every test URL and its cooldown.
func (c *Checker) URLStatus() []URLStatus {
	return c.urls.status()
}

func (c *Checker) failed(testURL, reason string) domain.CheckResult {
	return domain.CheckResult{Error: reason, TestURL: testURL, CheckedAt: c.now()}
}

func (c *Checker) failedWith(result domain.CheckResult, reason string) domain.CheckResult {
	result.Success = false
	result.Error = reason
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

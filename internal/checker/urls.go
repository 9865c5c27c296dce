package checker

import (
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const defaultCooldown = 60 * time.Second

// cooldownFor returns how long a test URL rests after answering status.
func cooldownFor(status int) time.Duration {
	switch status {
	case http.StatusForbidden:
		return 10 * time.Minute
	case http.StatusTooManyRequests:
		return 5 * time.Minute
	case http.StatusServiceUnavailable:
		return 15 * time.Minute
	default:
		return defaultCooldown
	}
}

func isRateLimited(status int) bool {
	return status == http.StatusForbidden || status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

type URLStatus struct {
	URL               string        `json:"url"`
	Available         bool          `json:"available"`
	LastUsed          time.Time     `json:"last_used"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// urlRotation hands out the least recently used test URL that is not cooling
// down. When every URL is cooling down all cooldowns are dropped.
type urlRotation struct {
	mu           sync.Mutex
	urls         []string
	lastUsed     map[string]time.Time
	blockedUntil map[string]time.Time
	now          func() time.Time
}

func newURLRotation(urls []string, now func() time.Time) *urlRotation {
	return &urlRotation{
		urls:         append([]string(nil), urls...),
		lastUsed:     make(map[string]time.Time, len(urls)),
		blockedUntil: make(map[string]time.Time, len(urls)),
		now:          now,
	}
}

func (r *urlRotation) next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	selected := ""
	for _, url := range r.urls {
		if now.Before(r.blockedUntil[url]) {
			continue
		}
		if selected == "" || r.lastUsed[url].Before(r.lastUsed[selected]) {
			selected = url
		}
	}

	if selected == "" {
		log.Warn("checker: every test URL is cooling down, resetting")
		clear(r.blockedUntil)
		for _, url := range r.urls {
			if selected == "" || r.lastUsed[url].Before(r.lastUsed[selected]) {
				selected = url
			}
		}
	}

	r.lastUsed[selected] = now
	return selected
}

func (r *urlRotation) block(url string, status int) {
	cooldown := cooldownFor(status)

	r.mu.Lock()
	r.blockedUntil[url] = r.now().Add(cooldown)
	r.mu.Unlock()

	log.Warn("checker: test URL cooling down", "url", url, "status", status, "cooldown", cooldown)
}

func (r *urlRotation) status() []URLStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]URLStatus, 0, len(r.urls))
	for _, url := range r.urls {
		remaining := max(r.blockedUntil[url].Sub(now), 0)
		out = append(out, URLStatus{
			URL:               url,
			Available:         remaining == 0,
			LastUsed:          r.lastUsed[url],
			CooldownRemaining: remaining,
		})
	}
	return out
}

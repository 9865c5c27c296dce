package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const browserConnectAttempts = 10

// BrowserRenderer fetches pages through a headless Chrome with stealth
// patches applied. The browser is launched on first use and shared.
type BrowserRenderer struct {
	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserRenderer() *BrowserRenderer {
	return &BrowserRenderer{}
}

func (r *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	browser, err := r.connect()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		r.drop()
		return "", fmt.Errorf("stealth page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("close rendered page", "error", err)
		}
	}()

	page = page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	body, err := page.Element("body")
	if err != nil {
		return "", fmt.Errorf("find body: %w", err)
	}
	return body.Text()
}

func (r *BrowserRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}

func (r *BrowserRenderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	controlURL, err := launcher.New().
		Leakless(true).
		Headless(true).
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	for i := 0; i < browserConnectAttempts; i++ {
		if err = browser.Connect(); err == nil {
			break
		}
		time.Sleep(time.Duration(250*(i+1)) * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("browser connect failed: %w", err)
	}

	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorDeny,
		BrowserContextID: browser.BrowserContextID,
	}).Call(browser); err != nil {
		log.Warn("disable browser downloads failed", "error", err)
	}

	r.browser = browser
	return browser, nil
}

// drop forgets a browser that stopped answering so the next call relaunches it.
func (r *BrowserRenderer) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		_ = rod.Try(func() { r.browser.MustClose() })
		r.browser = nil
	}
}

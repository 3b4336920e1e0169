package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/amalgiving/amaldata/internal/logger"
)

// Renderer fetches JavaScript-rendered pages through a headless browser.
// It is the fallback for pages whose static HTML carries almost no text.
type Renderer struct {
	timeout   time.Duration
	allocCtx  context.Context
	cancelCtx context.CancelFunc
}

// NewRenderer creates a renderer with a shared browser allocator.
func NewRenderer(userAgent string, timeout time.Duration) *Renderer {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if timeout == 0 {
		timeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Renderer{
		timeout:   timeout,
		allocCtx:  allocCtx,
		cancelCtx: cancelAlloc,
	}
}

// Render navigates to a URL in a fresh browser context and returns the
// rendered document.
func (r *Renderer) Render(ctx context.Context, targetURL string) (string, error) {
	logger.Debug("rendering page", "url", targetURL)

	browserCtx, cancelBrowser := chromedp.NewContext(r.allocCtx)
	defer cancelBrowser()

	timeoutCtx, cancelTimeout := context.WithTimeout(browserCtx, r.timeout)
	defer cancelTimeout()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancelBrowser()
		case <-done:
		}
	}()
	defer close(done)

	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(targetURL),
		chromedp.WaitVisible("body"),
		chromedp.Sleep(2 * time.Second), // settle time for late-loading content
		chromedp.OuterHTML("html", &html),
	}
	if err := chromedp.Run(timeoutCtx, actions...); err != nil {
		return "", fmt.Errorf("browser automation failed: %w", err)
	}

	logger.Debug("render complete", "url", targetURL, "html_size", len(html))
	return html, nil
}

// Close releases browser resources.
func (r *Renderer) Close() error {
	if r.cancelCtx != nil {
		r.cancelCtx()
	}
	return nil
}

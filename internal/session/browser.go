package session

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Page is the subset of playwright.Page the automation scripts drive
type Page interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Fill(selector, value string, options ...playwright.PageFillOptions) error
	Click(selector string, options ...playwright.PageClickOptions) error
	WaitForSelector(selector string, options ...playwright.PageWaitForSelectorOptions) (playwright.ElementHandle, error)
	TextContent(selector string, options ...playwright.PageTextContentOptions) (string, error)
	IsVisible(selector string, options ...playwright.PageIsVisibleOptions) (bool, error)
}

// Browser is a launched page plus its teardown
type Browser struct {
	Page  Page
	close func() error
}

// NewBrowser wraps page; closeFn releases everything behind it
func NewBrowser(page Page, closeFn func() error) *Browser {
	return &Browser{Page: page, close: closeFn}
}

// Close tears the browser down
func (b *Browser) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// PlaywrightLauncher starts a Playwright driven browser
type PlaywrightLauncher struct {
	Browser     string
	Headless    bool
	UserAgent   string
	StepTimeout time.Duration
}

// Launch implements Launcher
func (l *PlaywrightLauncher) Launch(ctx context.Context) (*Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start Playwright: %w", err)
	}

	var browserType playwright.BrowserType
	switch l.Browser {
	case "firefox":
		browserType = pw.Firefox
	case "webkit":
		browserType = pw.WebKit
	default:
		browserType = pw.Chromium
	}

	browser, err := browserType.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launch %s (headless=%v): %w", browserType.Name(), l.Headless, err)
	}

	opts := playwright.BrowserNewContextOptions{}
	if l.UserAgent != "" {
		opts.UserAgent = playwright.String(l.UserAgent)
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	if l.StepTimeout > 0 {
		bctx.SetDefaultTimeout(float64(l.StepTimeout.Milliseconds()))
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("create page: %w", err)
	}

	return NewBrowser(page, func() error {
		var firstErr error
		steps := []func() error{
			func() error { return bctx.Close() },
			func() error { return browser.Close() },
			func() error { return pw.Stop() },
		}
		for _, closeFn := range steps {
			if err := closeFn(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}), nil
}

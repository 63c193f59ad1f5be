package actions

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/shaiso/navigator/internal/browser"
)

const (
	defaultActionTimeout = 60 * time.Second
	maxExtractLen        = 20000
	screenshotQuality    = 80
)

// Config — конфигурация встроенных действий.
type Config struct {
	// ActionTimeout — таймаут одного браузерного действия (default: 60s).
	ActionTimeout time.Duration

	// FetchTimeout — таймаут fetch (default: 30s).
	FetchTimeout time.Duration

	// Screenshots — снимать экран после каждого действия.
	Screenshots bool
}

type chromeExecutors struct {
	timeout     time.Duration
	screenshots bool
}

func newChromeExecutors(cfg Config) *chromeExecutors {
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	return &chromeExecutors{timeout: timeout, screenshots: cfg.Screenshots}
}

// run выполняет tasks во вкладке, затем читает URL и, если включено, снимает экран.
func (c *chromeExecutors) run(ctx context.Context, sess *browser.Session, capture bool, tasks ...chromedp.Action) (*Result, error) {
	result := &Result{}

	err := sess.Run(ctx, c.timeout, func(runCtx context.Context) error {
		if err := chromedp.Run(runCtx, tasks...); err != nil {
			return err
		}
		if err := chromedp.Run(runCtx, chromedp.Location(&result.URL)); err != nil {
			return err
		}
		if capture || c.screenshots {
			return chromedp.Run(runCtx, chromedp.CaptureScreenshot(&result.Screenshot))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *chromeExecutors) navigate(ctx context.Context, sess *browser.Session, a Action) (*Result, error) {
	var title string
	res, err := c.run(ctx, sess, false,
		chromedp.Navigate(a.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
	)
	if err != nil {
		return nil, err
	}
	res.Output = "opened " + res.URL
	if title != "" {
		res.Output += " (" + title + ")"
	}
	return res, nil
}

func (c *chromeExecutors) click(ctx context.Context, sess *browser.Session, a Action) (*Result, error) {
	res, err := c.run(ctx, sess, false,
		chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
		chromedp.Click(a.Selector, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	res.Output = "clicked " + a.Selector
	return res, nil
}

func (c *chromeExecutors) typeText(ctx context.Context, sess *browser.Session, a Action) (*Result, error) {
	res, err := c.run(ctx, sess, false,
		chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
		chromedp.Clear(a.Selector, chromedp.ByQuery),
		chromedp.SendKeys(a.Selector, a.Text, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	res.Output = "typed into " + a.Selector
	return res, nil
}

func (c *chromeExecutors) extract(ctx context.Context, sess *browser.Session, a Action) (*Result, error) {
	selector := a.Selector
	if selector == "" {
		selector = "body"
	}

	var text string
	res, err := c.run(ctx, sess, false,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	res.Output = truncate(strings.TrimSpace(text), maxExtractLen)
	return res, nil
}

func (c *chromeExecutors) scroll(ctx context.Context, sess *browser.Session, a Action) (*Result, error) {
	var task chromedp.Action
	if a.Selector != "" {
		task = chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery)
	} else {
		task = chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil)
	}

	res, err := c.run(ctx, sess, false, task)
	if err != nil {
		return nil, err
	}
	res.Output = "scrolled"
	return res, nil
}

func (c *chromeExecutors) screenshot(ctx context.Context, sess *browser.Session, _ Action) (*Result, error) {
	var full []byte
	res, err := c.run(ctx, sess, false, chromedp.FullScreenshot(&full, screenshotQuality))
	if err != nil {
		return nil, err
	}
	res.Screenshot = full
	res.Output = "captured screenshot of " + res.URL
	return res, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Package browser owns the Chrome process driven over CDP and exposes
// the small element-level surface the session controller needs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/wabridge/wabridge/internal/config"
)

// ErrWaitTimeout reports that no watched element appeared within the bound.
var ErrWaitTimeout = errors.New("element wait timed out")

const pollInterval = 200 * time.Millisecond

// Session is one live browser session. It is not safe for concurrent use;
// the controller serializes every call.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) error
	// WaitForAny waits until any of the selectors matches and returns its
	// index. All selectors are checked on every poll tick, so a condition
	// that is already satisfiable is seen even if listed last.
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (int, error)
	ReadAttribute(ctx context.Context, selector, name string) (string, error)
	Click(ctx context.Context, selector string) error
	ClearInput(ctx context.Context, selector string) error
	TypeText(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context, selector string) error
	SetFileInput(ctx context.Context, selector, path string) error
	Terminate()
}

// Launcher starts browser sessions. profileDir, when non-empty, resumes a
// previously persisted Chrome profile.
type Launcher interface {
	Start(ctx context.Context, profileDir string) (Session, error)
}

type ChromeLauncher struct {
	Cfg *config.RuntimeConfig
}

func NewChromeLauncher(cfg *config.RuntimeConfig) *ChromeLauncher {
	return &ChromeLauncher{Cfg: cfg}
}

func (l *ChromeLauncher) Start(ctx context.Context, profileDir string) (Session, error) {
	cfg := l.Cfg

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ChromeBinary != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromeBinary))
	}
	if profileDir != "" {
		opts = append(opts, chromedp.UserDataDir(profileDir))
	}
	opts = append(opts,
		chromedp.Flag("no-sandbox", ""),
		chromedp.Flag("disable-dev-shm-usage", ""),
		chromedp.Flag("disable-automation", ""),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", ""),
		chromedp.Flag("no-default-browser-check", ""),
	)
	if cfg.ChromeFlags != "" {
		opts = append(opts, chromedp.Flag("", cfg.ChromeFlags))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		browserCancel()
		allocCancel()
	}

	// First Run connects to Chrome; bound it by the caller's context.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		cancelAll()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &chromeSession{
		browserCtx:    browserCtx,
		cancel:        cancelAll,
		actionTimeout: cfg.ActionTimeout,
	}, nil
}

type chromeSession struct {
	browserCtx    context.Context
	cancel        context.CancelFunc
	actionTimeout time.Duration
	termOnce      sync.Once
}

// run executes actions against the session tab, bounded by timeout and
// cancellable through the caller's context.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

// Navigate uses raw CDP Page.navigate and polls document.readyState so a
// partially loaded page (WhatsApp Web renders the QR before "complete")
// already counts as arrived.
func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	err := s.run(ctx, s.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	tctx, cancel := context.WithTimeout(s.browserCtx, s.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tctx.Done():
			return fmt.Errorf("navigate %s: %w", url, tctx.Err())
		case <-ticker.C:
			var state string
			if err := chromedp.Run(tctx, chromedp.Evaluate("document.readyState", &state)); err != nil {
				continue
			}
			if state == "interactive" || state == "complete" {
				return nil
			}
		}
	}
}

func jsExistsExpr(selector string) string {
	return fmt.Sprintf("document.querySelector(%q) !== null", selector)
}

func (s *chromeSession) WaitForElement(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := s.WaitForAny(ctx, []string{selector}, timeout)
	return err
}

func (s *chromeSession) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (int, error) {
	tctx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tctx.Done():
			return -1, fmt.Errorf("%w: %v after %v", ErrWaitTimeout, selectors, timeout)
		case <-ticker.C:
			for i, sel := range selectors {
				var found bool
				if err := chromedp.Run(tctx, chromedp.Evaluate(jsExistsExpr(sel), &found)); err != nil {
					continue
				}
				if found {
					return i, nil
				}
			}
		}
	}
}

func (s *chromeSession) ReadAttribute(ctx context.Context, selector, name string) (string, error) {
	var value string
	var ok bool
	err := s.run(ctx, s.actionTimeout,
		chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("read attribute %s of %s: %w", name, selector, err)
	}
	if !ok {
		return "", fmt.Errorf("attribute %s absent on %s", name, selector)
	}
	return value, nil
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.actionTimeout, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// ClearInput selects the current content and deletes it. chromedp.Clear
// only handles input/textarea; WhatsApp Web uses contenteditable divs.
func (s *chromeSession) ClearInput(ctx context.Context, selector string) error {
	err := s.run(ctx, s.actionTimeout,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Backspace),
	)
	if err != nil {
		return fmt.Errorf("clear %s: %w", selector, err)
	}
	return nil
}

func (s *chromeSession) TypeText(ctx context.Context, selector, text string) error {
	err := s.run(ctx, s.actionTimeout,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

func (s *chromeSession) PressEnter(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.actionTimeout, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("enter on %s: %w", selector, err)
	}
	return nil
}

func (s *chromeSession) SetFileInput(ctx context.Context, selector, path string) error {
	err := s.run(ctx, s.actionTimeout,
		chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("set file input %s: %w", selector, err)
	}
	return nil
}

func (s *chromeSession) Terminate() {
	s.termOnce.Do(s.cancel)
}

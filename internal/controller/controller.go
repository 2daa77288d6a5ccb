// Package controller owns the WhatsApp Web session: the authentication
// state machine, QR token capture, login detection, and the classified
// send operation the relay dispatches into.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wabridge/wabridge/internal/browser"
	"github.com/wabridge/wabridge/internal/config"
	"github.com/wabridge/wabridge/internal/store"
)

// Selectors identifies the web client's controls. Quirks of a particular
// client build are configuration, not forked code paths.
type Selectors struct {
	QRToken     string // element carrying the login token
	QRAttribute string // attribute holding the raw token string
	Search      string // destination search box; doubles as the logged-in marker
	Compose     string // message compose box
	Attach      string // attachment affordance
	FileInput   string // hidden file input
	MediaSend   string // send affordance on the media preview
}

func DefaultSelectors() Selectors {
	return Selectors{
		QRToken:     "div[data-ref]",
		QRAttribute: "data-ref",
		Search:      `div[title="Search input textbox"]`,
		Compose:     `div[title="Type a message"]`,
		Attach:      `div[title="Attach"]`,
		FileInput:   `input[accept="*"]`,
		MediaSend:   `span[data-icon="send"]`,
	}
}

// Status is the read-only projection served to polling clients.
type Status struct {
	Authenticated  bool   `json:"connected"`
	Destination    string `json:"target,omitempty"`
	TokenAvailable bool   `json:"qrAvailable"`
}

type Controller struct {
	cfg      *config.RuntimeConfig
	st       *store.Store
	launcher browser.Launcher
	sel      Selectors

	// opMu serializes every browser operation: one in flight at a time.
	opMu sync.Mutex

	// closeCtx ends every in-flight browser wait when Shutdown runs, so
	// Shutdown is never stuck behind a full login wait holding opMu.
	closeCtx    context.Context
	closeCancel context.CancelFunc

	// mu guards the snapshot below so status reads never block behind a
	// long login wait holding opMu.
	mu     sync.RWMutex
	state  State
	authed bool
	qrPNG  []byte
	dest   string
	sess   browser.Session
}

// New builds a controller. Authentication always starts false: a persisted
// session handle only lets the next Connect skip the QR, it never claims
// authentication by itself.
func New(cfg *config.RuntimeConfig, st *store.Store, launcher browser.Launcher) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		st:       st,
		launcher: launcher,
		sel:      DefaultSelectors(),
		state:    StateIdle,
	}
	c.closeCtx, c.closeCancel = context.WithCancel(context.Background())

	dest, ok, err := st.GetString(store.KeyDefaultTarget)
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}
	if !ok || dest == "" {
		dest = cfg.DefaultTarget
	}
	c.dest = dest

	if err := st.PutString(store.KeyAuthenticated, "false", time.Now()); err != nil {
		return nil, fmt.Errorf("reset auth flag: %w", err)
	}

	return c, nil
}

// SetSelectors overrides the web client selectors (used by tests and for
// client builds that renamed controls).
func (c *Controller) SetSelectors(sel Selectors) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sel = sel
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// LoginToken returns the rendered QR image, or nil once authenticated or
// when no token has been captured. Stale tokens are never served after
// login.
func (c *Controller) LoginToken() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authed {
		return nil
	}
	return c.qrPNG
}

func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Authenticated:  c.authed,
		Destination:    c.dest,
		TokenAvailable: !c.authed && len(c.qrPNG) > 0,
	}
}

func (c *Controller) Destination() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dest
}

// JID is the WhatsApp address form of the configured destination.
func (c *Controller) JID() string {
	d := c.Destination()
	if d == "" {
		return ""
	}
	return d + "@c.us"
}

func (c *Controller) SetDestination(addr string) error {
	addr = strings.TrimSpace(addr)
	if len(addr) < 10 || strings.Trim(addr, "0123456789") != "" {
		return fmt.Errorf("invalid target %q: digits only, at least 10", addr)
	}
	if err := c.st.PutString(store.KeyDefaultTarget, addr, time.Now()); err != nil {
		return err
	}
	c.mu.Lock()
	c.dest = addr
	c.mu.Unlock()
	slog.Info("target set", "target", addr)
	return nil
}

// Connect drives Idle → BrowserStarting → AwaitingScan → Authenticated.
// It is a no-op when already authenticated and never creates a second
// browser handle. On any failure the handle is released and state returns
// to Idle; the caller decides whether to retry.
func (c *Controller) Connect(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateAuthenticated:
		return nil
	case StateTerminated:
		return fmt.Errorf("%w: controller shut down", ErrBrowserUnavailable)
	}

	c.setState(StateBrowserStarting)
	c.clearToken()

	profile := c.resumeProfile()
	slog.Info("starting browser", "profile", profile, "headless", c.cfg.Headless)

	sess, err := c.launcher.Start(ctx, profile)
	if err != nil {
		c.setState(StateIdle)
		slog.Error("browser start failed", "err", err)
		return fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}

	if err := sess.Navigate(ctx, c.cfg.WhatsAppURL); err != nil {
		sess.Terminate()
		c.setState(StateIdle)
		slog.Error("navigation failed", "url", c.cfg.WhatsAppURL, "err", err)
		return fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}

	c.mu.Lock()
	c.sess = sess
	sel := c.sel
	c.mu.Unlock()

	// A resumed session may skip token issuance entirely, so the QR
	// element and the logged-in marker are watched as one combined wait.
	idx, err := sess.WaitForAny(ctx, []string{sel.QRToken, sel.Search}, c.cfg.QRWait)
	if err != nil {
		c.releaseSession()
		c.setState(StateIdle)
		slog.Warn("no qr and no session marker", "err", err)
		return fmt.Errorf("%w: %v", ErrTokenTimeout, err)
	}

	if idx == 1 {
		slog.Info("session resumed, login skipped")
		return c.completeLogin(profile)
	}

	raw, err := sess.ReadAttribute(ctx, sel.QRToken, sel.QRAttribute)
	if err != nil || raw == "" {
		c.releaseSession()
		c.setState(StateIdle)
		return fmt.Errorf("%w: token attribute unreadable: %v", ErrTokenTimeout, err)
	}

	png, err := renderQR(raw)
	if err != nil {
		c.releaseSession()
		c.setState(StateIdle)
		return fmt.Errorf("%w: render qr: %v", ErrTokenTimeout, err)
	}

	if err := c.st.Put(store.KeyQRCode, png, time.Now()); err != nil {
		slog.Error("persist qr", "err", err)
	}
	c.mu.Lock()
	c.qrPNG = png
	c.state = StateAwaitingScan
	c.mu.Unlock()
	slog.Info("qr captured, awaiting scan", "bytes", len(png))

	if err := sess.WaitForElement(ctx, sel.Search, c.cfg.LoginWait); err != nil {
		c.releaseSession()
		c.setState(StateIdle)
		slog.Warn("login wait exhausted", "wait", c.cfg.LoginWait, "err", err)
		return fmt.Errorf("%w: %v", ErrLoginTimeout, err)
	}

	return c.completeLogin(profile)
}

// completeLogin persists the resumption handle strictly before the auth
// flag, so a crash between the writes never leaves the store claiming
// authentication without a resumable session. A persistence failure
// releases the handle and drops back to Idle; otherwise a retrying
// Connect would stack a second live browser on top of this one.
func (c *Controller) completeLogin(profile string) error {
	now := time.Now()
	if err := c.st.PutString(store.KeySession, profile, now); err != nil {
		c.releaseSession()
		c.setState(StateIdle)
		return fmt.Errorf("%w: persist session handle: %v", ErrBrowserUnavailable, err)
	}
	if err := c.st.PutString(store.KeyAuthenticated, "true", now); err != nil {
		c.releaseSession()
		c.setState(StateIdle)
		return fmt.Errorf("%w: persist auth flag: %v", ErrBrowserUnavailable, err)
	}
	if err := c.st.Delete(store.KeyQRCode); err != nil {
		slog.Warn("clear stored qr", "err", err)
	}

	c.mu.Lock()
	c.authed = true
	c.qrPNG = nil
	c.state = StateAuthenticated
	c.mu.Unlock()
	slog.Info("whatsapp logged in")
	return nil
}

// Logout terminates the handle and clears all persisted session state.
// A fresh Connect is always possible afterwards.
func (c *Controller) Logout(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.releaseSession()

	if err := c.st.Delete(store.KeySession); err != nil {
		return fmt.Errorf("clear session handle: %w", err)
	}
	if err := c.st.PutString(store.KeyAuthenticated, "false", time.Now()); err != nil {
		return fmt.Errorf("clear auth flag: %w", err)
	}
	if err := c.st.Delete(store.KeyQRCode); err != nil {
		return fmt.Errorf("clear qr: %w", err)
	}

	c.mu.Lock()
	c.authed = false
	c.qrPNG = nil
	c.state = StateIdle
	c.mu.Unlock()
	slog.Info("logged out")
	return nil
}

// Shutdown aborts any in-flight browser wait and releases the handle.
// The close context is cancelled before taking the operation lock, so a
// connect sitting in its login wait unwinds promptly instead of running
// out the full timeout.
func (c *Controller) Shutdown() {
	c.closeCancel()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.releaseSession()
	c.setState(StateTerminated)
}

// opCtx bounds a browser operation by both the caller's context and the
// controller's close context.
func (c *Controller) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.closeCtx, cancel)
	return ctx, func() { stop(); cancel() }
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) clearToken() {
	if err := c.st.Delete(store.KeyQRCode); err != nil {
		slog.Warn("clear stale qr", "err", err)
	}
	c.mu.Lock()
	c.qrPNG = nil
	c.mu.Unlock()
}

// resumeProfile picks the persisted Chrome profile when one exists, else
// the configured default.
func (c *Controller) resumeProfile() string {
	if p, ok, err := c.st.GetString(store.KeySession); err == nil && ok && p != "" {
		return p
	}
	return c.cfg.ProfileDir
}

// releaseSession terminates and forgets the handle. Callers hold opMu.
func (c *Controller) releaseSession() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		sess.Terminate()
	}
}

// markSessionLost flips authentication off after a session-lost send
// failure and persists the flag.
func (c *Controller) markSessionLost() {
	c.releaseSession()
	if err := c.st.PutString(store.KeyAuthenticated, "false", time.Now()); err != nil {
		slog.Error("persist auth flag", "err", err)
	}
	c.mu.Lock()
	c.authed = false
	c.state = StateIdle
	c.mu.Unlock()
	slog.Warn("session lost, authentication reset")
}

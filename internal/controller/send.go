package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// Payload is one relayed message. Text holds the message body for text
// sends and the optional caption for media; Path is the local file for
// media kinds.
type Payload struct {
	Kind Kind
	Text string
	Path string
}

func (p Payload) validate() error {
	switch p.Kind {
	case KindText:
		if p.Text == "" {
			return fmt.Errorf("empty text payload")
		}
	case KindImage, KindVideo, KindDocument:
		if p.Path == "" {
			return fmt.Errorf("%s payload needs a file path", p.Kind)
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Send relays one payload to the configured destination. Single attempt:
// retry policy belongs to the caller. Failures are classified: a missing
// destination-search control means the session itself is gone and resets
// authentication; anything later is transient.
func (c *Controller) Send(ctx context.Context, p Payload) error {
	// Reject early without touching the browser or queueing behind a
	// connect in progress.
	c.mu.RLock()
	ready := c.authed && c.dest != ""
	c.mu.RUnlock()
	if !ready {
		return fmt.Errorf("%w: authenticate and set a target first", ErrNotReady)
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	sess := c.sess
	dest := c.dest
	sel := c.sel
	authed := c.authed
	c.mu.RUnlock()
	if !authed || sess == nil {
		return fmt.Errorf("%w: authenticate and set a target first", ErrNotReady)
	}

	// The search box doubles as the logged-in marker: if it cannot be
	// located the remote side has invalidated the session.
	if err := sess.WaitForElement(ctx, sel.Search, c.cfg.ActionTimeout); err != nil {
		c.markSessionLost()
		return fmt.Errorf("%w: destination search missing: %v", ErrSessionLost, err)
	}

	if err := sess.ClearInput(ctx, sel.Search); err != nil {
		return fmt.Errorf("%w: clear search: %v", ErrSendFailed, err)
	}
	if err := sess.TypeText(ctx, sel.Search, dest); err != nil {
		return fmt.Errorf("%w: type target: %v", ErrSendFailed, err)
	}
	if err := sess.PressEnter(ctx, sel.Search); err != nil {
		return fmt.Errorf("%w: open chat: %v", ErrSendFailed, err)
	}
	if err := sleepCtx(ctx, c.cfg.SettleDelay); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	var err error
	if p.Kind == KindText {
		err = c.sendText(ctx, sess, sel, p.Text)
	} else {
		err = c.sendMedia(ctx, sess, sel, p)
	}
	if err != nil {
		return err
	}

	slog.Info("sent", "kind", p.Kind, "target", dest)
	return nil
}

func (c *Controller) sendText(ctx context.Context, sess sessionAPI, sel Selectors, text string) error {
	if err := sess.WaitForElement(ctx, sel.Compose, c.cfg.ActionTimeout); err != nil {
		return fmt.Errorf("%w: compose box: %v", ErrElementNotFound, err)
	}
	if err := sess.TypeText(ctx, sel.Compose, text); err != nil {
		return fmt.Errorf("%w: type message: %v", ErrSendFailed, err)
	}
	if err := sess.PressEnter(ctx, sel.Compose); err != nil {
		return fmt.Errorf("%w: commit message: %v", ErrSendFailed, err)
	}
	return nil
}

func (c *Controller) sendMedia(ctx context.Context, sess sessionAPI, sel Selectors, p Payload) error {
	if err := sess.Click(ctx, sel.Attach); err != nil {
		return fmt.Errorf("%w: attach affordance: %v", ErrElementNotFound, err)
	}
	if err := sess.SetFileInput(ctx, sel.FileInput, p.Path); err != nil {
		return fmt.Errorf("%w: file input: %v", ErrSendFailed, err)
	}
	if err := sleepCtx(ctx, c.cfg.UploadSettle); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if p.Text != "" {
		if err := sess.TypeText(ctx, sel.Compose, p.Text); err != nil {
			return fmt.Errorf("%w: caption: %v", ErrSendFailed, err)
		}
	}
	if err := sess.Click(ctx, sel.MediaSend); err != nil {
		return fmt.Errorf("%w: media send affordance: %v", ErrSendFailed, err)
	}
	return nil
}

// sessionAPI is the slice of browser.Session the send paths use.
type sessionAPI interface {
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	ClearInput(ctx context.Context, selector string) error
	TypeText(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context, selector string) error
	SetFileInput(ctx context.Context, selector, path string) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

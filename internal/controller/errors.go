package controller

import "errors"

// Failure taxonomy exposed to the relay and status surfaces. Every
// browser-layer error is reclassified into one of these before it leaves
// the controller; callers use errors.Is.
var (
	// ErrBrowserUnavailable means Chrome could not start or reach the web
	// client. Fatal for that connect attempt; the caller retries later.
	ErrBrowserUnavailable = errors.New("browser unavailable")

	// ErrTokenTimeout means neither a QR token nor an authenticated marker
	// appeared within the bound. State returns to idle.
	ErrTokenTimeout = errors.New("qr token not issued in time")

	// ErrLoginTimeout means a QR was shown but login never completed.
	ErrLoginTimeout = errors.New("login not completed in time")

	// ErrNotReady means the operation was attempted in the wrong state
	// (not authenticated, or no target configured). Caller error.
	ErrNotReady = errors.New("not connected")

	// ErrElementNotFound is a transient locate failure; the same send may
	// be retried without re-authenticating.
	ErrElementNotFound = errors.New("element not found")

	// ErrSendFailed is a transient interaction failure; safe to retry.
	ErrSendFailed = errors.New("send failed")

	// ErrSessionLost means the web client dropped the authenticated
	// session. Authentication state is reset; re-login is required.
	ErrSessionLost = errors.New("session lost")
)

type State int

const (
	StateIdle State = iota
	StateBrowserStarting
	StateAwaitingScan
	StateAuthenticated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBrowserStarting:
		return "browser-starting"
	case StateAwaitingScan:
		return "awaiting-scan"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

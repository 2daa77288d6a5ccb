// Package handlers provides the HTTP status surface: a read-only
// projection of controller state plus the QR image for scanning. None of
// these routes drive the browser except POST /connect, which only kicks
// the connect sequence off in the background.
package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wabridge/wabridge/internal/config"
	"github.com/wabridge/wabridge/internal/controller"
	"github.com/wabridge/wabridge/internal/web"
)

// ControllerAPI is the slice of the session controller the HTTP surface
// consumes.
type ControllerAPI interface {
	GetStatus() controller.Status
	LoginToken() []byte
	Connect(ctx context.Context) error
}

type Handlers struct {
	Ctrl   ControllerAPI
	Config *config.RuntimeConfig
}

func New(ctrl ControllerAPI, cfg *config.RuntimeConfig) *Handlers {
	return &Handlers{Ctrl: ctrl, Config: cfg}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux, doShutdown func()) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /qr", h.HandleQR)
	mux.HandleFunc("GET /qr/base64", h.HandleQRBase64)
	mux.HandleFunc("POST /connect", h.HandleConnect)

	if doShutdown != nil {
		mux.HandleFunc("POST /shutdown", h.HandleShutdown(doShutdown))
	}

	mux.HandleFunc("/", h.HandleNotFound)
}

// HandleNotFound catches unknown routes so errors stay JSON like every
// other response instead of the ServeMux plain-text default.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	web.Error(w, 404, fmt.Errorf("no such route: %s", r.URL.Path))
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, map[string]any{"status": "ok"})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, h.Ctrl.GetStatus())
}

func (h *Handlers) HandleQR(w http.ResponseWriter, r *http.Request) {
	png := h.Ctrl.LoginToken()
	if len(png) == 0 {
		web.ErrorCode(w, 404, "no_qr", "no QR code available", true)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(200)
	_, _ = w.Write(png)
}

func (h *Handlers) HandleQRBase64(w http.ResponseWriter, r *http.Request) {
	png := h.Ctrl.LoginToken()
	if len(png) == 0 {
		web.ErrorCode(w, 404, "no_qr", "no QR code available", true)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(200)
	_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString(png)))
}

// HandleConnect starts the login sequence in the background; connect can
// block for minutes, so completion is observed by polling /status.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := h.Ctrl.Connect(context.Background()); err != nil {
			slog.Warn("background connect failed", "err", err)
		}
	}()
	web.JSON(w, 202, map[string]any{"status": "connecting"})
}

func (h *Handlers) HandleShutdown(doShutdown func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, 200, map[string]any{"status": "shutting down"})
		go doShutdown()
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wabridge/wabridge/internal/browser"
	"github.com/wabridge/wabridge/internal/config"
	"github.com/wabridge/wabridge/internal/controller"
	"github.com/wabridge/wabridge/internal/handlers"
	"github.com/wabridge/wabridge/internal/relay"
	"github.com/wabridge/wabridge/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("wabridge %s\n", version)
		os.Exit(0)
	}
	if len(os.Args) > 1 && os.Args[1] == "config" {
		config.HandleConfigCommand(cfg)
		os.Exit(0)
	}

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		slog.Error("cannot open state store", "dir", cfg.StateDir, "err", err)
		os.Exit(1)
	}
	slog.Info("state store ready", "path", st.Path())

	ctrl, err := controller.New(cfg, st, browser.NewChromeLauncher(cfg))
	if err != nil {
		slog.Error("cannot build controller", "err", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	// Kick the login sequence at boot so the QR is ready by the time
	// someone polls for it. Failures are retried via /connect.
	go func() {
		if err := ctrl.Connect(rootCtx); err != nil {
			slog.Warn("initial connect failed", "err", err, "hint", "retry with /connect")
		}
	}()

	mux := http.NewServeMux()
	h := handlers.New(ctrl, cfg)

	var srv *http.Server
	shutdownOnce := &sync.Once{}
	doShutdown := func() {
		shutdownOnce.Do(func() {
			slog.Info("shutting down")
			rootCancel()
			ctrl.Shutdown()
			if err := st.Close(); err != nil {
				slog.Error("close store", "err", err)
			}
			shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		})
	}
	h.RegisterRoutes(mux, doShutdown)

	handler := handlers.LoggingMiddleware(
		handlers.CorsMiddleware(
			handlers.AuthMiddleware(cfg,
				handlers.RequestIDMiddleware(mux))))

	srv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TelegramToken != "" {
		bot, err := relay.New(cfg, ctrl)
		if err != nil {
			slog.Error("telegram surface disabled", "err", err)
		} else {
			go func() {
				if err := bot.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("telegram bot stopped", "err", err)
				}
			}()
		}
	} else {
		slog.Info("no TELEGRAM_BOT_TOKEN set, chat surface disabled")
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		doShutdown()
	}()

	slog.Info("wabridge", "version", version, "listen", cfg.ListenAddr(), "headless", cfg.Headless)
	if cfg.Token != "" {
		slog.Info("http auth enabled")
	} else {
		slog.Info("http auth disabled (set WABRIDGE_TOKEN to enable)")
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// Package relay is the Telegram side of the bridge: it maps bot commands
// and inbound media to controller operations and translates the
// controller's error taxonomy into human-readable replies. Retry policy
// lives here, not in the controller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/wabridge/wabridge/internal/config"
	"github.com/wabridge/wabridge/internal/controller"
)

// Controller is the slice of the session controller the relay consumes.
type Controller interface {
	Connect(ctx context.Context) error
	Logout(ctx context.Context) error
	Send(ctx context.Context, p controller.Payload) error
	SetDestination(addr string) error
	Destination() string
	JID() string
	IsAuthenticated() bool
	LoginToken() []byte
	GetStatus() controller.Status
}

type Bot struct {
	api  *tgbotapi.BotAPI
	ctrl Controller
	cfg  *config.RuntimeConfig
	send func(c tgbotapi.Chattable) error
}

func New(cfg *config.RuntimeConfig, ctrl Controller) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	slog.Info("telegram bot authorized", "username", api.Self.UserName)
	b := &Bot{api: api, ctrl: ctrl, cfg: cfg}
	b.send = func(c tgbotapi.Chattable) error {
		_, err := api.Send(c)
		return err
	}
	return b, nil
}

// Run polls Telegram until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Message == nil {
				continue
			}
			b.handleMessage(ctx, upd.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	b.handleRelay(ctx, msg)
}

const helpText = `Telegram→WhatsApp bridge.

Setup:
1. /connect to start the browser
2. /qr and scan it from WhatsApp
3. /settarget 923001234567
4. Send any text or media to forward it

Commands:
/status - connection status
/settarget <number> - set the WhatsApp target
/gettarget - show the current target
/qr - fetch the login QR
/connect - (re)start the login sequence
/logout - log out of WhatsApp
/jid - WhatsApp address of the target
/ping - liveness check`

const adminText = `Admin panel:
/stats - bridge internals
/settarget <number> - override the target
/logout - force a WhatsApp logout
/connect - restart the login sequence`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		b.reply(msg.Chat.ID, helpText)

	case "ping":
		b.reply(msg.Chat.ID, "pong")

	case "settarget":
		arg := strings.TrimSpace(msg.CommandArguments())
		if arg == "" {
			b.reply(msg.Chat.ID, "Usage: /settarget 923001234567")
			return
		}
		if err := b.ctrl.SetDestination(arg); err != nil {
			b.reply(msg.Chat.ID, "Invalid number. Digits only, at least 10 (e.g. 923001234567).")
			return
		}
		b.reply(msg.Chat.ID, "Target set: +"+arg)

	case "gettarget":
		if d := b.ctrl.Destination(); d != "" {
			b.reply(msg.Chat.ID, "Current target: +"+d)
		} else {
			b.reply(msg.Chat.ID, "No target set. Use /settarget first.")
		}

	case "status":
		s := b.ctrl.GetStatus()
		if s.Authenticated {
			text := "WhatsApp is connected."
			if s.Destination != "" {
				text += "\nTarget: +" + s.Destination
			}
			b.reply(msg.Chat.ID, text)
		} else {
			b.reply(msg.Chat.ID, "WhatsApp is not connected. Use /connect, then /qr.")
		}

	case "qr":
		png := b.ctrl.LoginToken()
		if len(png) == 0 {
			if b.ctrl.IsAuthenticated() {
				b.reply(msg.Chat.ID, "Already logged in, no QR needed.")
			} else {
				b.reply(msg.Chat.ID, "No QR available yet. Use /connect and try again in a moment.")
			}
			return
		}
		photo := tgbotapi.NewPhoto(msg.Chat.ID, tgbotapi.FileBytes{Name: "qr.png", Bytes: png})
		photo.Caption = "Scan from WhatsApp to log in"
		if err := b.send(photo); err != nil {
			slog.Error("send qr photo", "err", err)
		}

	case "connect":
		b.reply(msg.Chat.ID, "Starting the browser. Fetch the QR with /qr in a moment.")
		// The poll loop's context, not the message's: the connect sequence
		// outlives this update but must still die with the bot.
		go func() {
			if err := b.ctrl.Connect(ctx); err != nil {
				slog.Warn("connect from chat failed", "err", err)
				b.reply(msg.Chat.ID, replyFor(err))
			} else {
				b.reply(msg.Chat.ID, "WhatsApp is connected.")
			}
		}()

	case "logout":
		if err := b.ctrl.Logout(ctx); err != nil {
			b.reply(msg.Chat.ID, "Logout failed.")
			return
		}
		b.reply(msg.Chat.ID, "Logged out.")

	case "jid":
		if jid := b.ctrl.JID(); jid != "" {
			b.reply(msg.Chat.ID, "JID: "+jid)
		} else {
			b.reply(msg.Chat.ID, "No target set.")
		}

	case "admin":
		if !b.cfg.IsAdmin(msg.From.ID) {
			b.reply(msg.Chat.ID, "Admins only.")
			return
		}
		b.reply(msg.Chat.ID, adminText)

	case "stats":
		if !b.cfg.IsAdmin(msg.From.ID) {
			b.reply(msg.Chat.ID, "Admins only.")
			return
		}
		s := b.ctrl.GetStatus()
		b.reply(msg.Chat.ID, fmt.Sprintf("connected: %v\ntarget: %s\nqr available: %v",
			s.Authenticated, s.Destination, s.TokenAvailable))

	default:
		b.reply(msg.Chat.ID, "Unknown command. /help lists what I can do.")
	}
}

// handleRelay forwards a non-command message to WhatsApp.
func (b *Bot) handleRelay(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Text != "" {
		err := b.ctrl.Send(ctx, controller.Payload{Kind: controller.KindText, Text: msg.Text})
		b.reply(msg.Chat.ID, replyFor(err))
		return
	}

	fileID, ext, kind, ok := mediaRequest(msg)
	if !ok {
		b.reply(msg.Chat.ID, "Unsupported message type. Send text, photos, videos or documents.")
		return
	}

	path, err := b.downloadFile(ctx, fileID, ext)
	if err != nil {
		slog.Error("download media", "err", err)
		b.reply(msg.Chat.ID, "Could not fetch that file from Telegram.")
		return
	}
	defer os.Remove(path)

	err = b.ctrl.Send(ctx, controller.Payload{Kind: kind, Path: path, Text: msg.Caption})
	b.reply(msg.Chat.ID, replyFor(err))
}

// mediaRequest maps an inbound Telegram message to a relayable media
// payload. Photos pick the largest rendition.
func mediaRequest(msg *tgbotapi.Message) (fileID, ext string, kind controller.Kind, ok bool) {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID, ".jpg", controller.KindImage, true
	case msg.Video != nil:
		return msg.Video.FileID, ".mp4", controller.KindVideo, true
	case msg.Document != nil:
		return msg.Document.FileID, docExt(msg.Document.FileName), controller.KindDocument, true
	}
	return "", "", "", false
}

func docExt(name string) string {
	if e := filepath.Ext(name); e != "" {
		return e
	}
	return ".bin"
}

func (b *Bot) downloadFile(ctx context.Context, fileID, ext string) (string, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	path := filepath.Join(os.TempDir(), "wabridge-"+uuid.NewString()+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// replyFor maps a controller outcome to the single human-readable reply
// the chat surface shows. Raw errors never reach the user.
func replyFor(err error) string {
	switch {
	case err == nil:
		return "Sent."
	case errors.Is(err, controller.ErrNotReady):
		return "WhatsApp is not connected. Use /connect and /qr to log in, and /settarget to pick a number."
	case errors.Is(err, controller.ErrSessionLost):
		return "WhatsApp session was lost. Log in again with /connect and /qr."
	case errors.Is(err, controller.ErrBrowserUnavailable):
		return "The browser could not start. Try /connect again in a minute."
	case errors.Is(err, controller.ErrTokenTimeout), errors.Is(err, controller.ErrLoginTimeout):
		return "Login timed out. Use /connect to get a fresh QR."
	case errors.Is(err, controller.ErrElementNotFound), errors.Is(err, controller.ErrSendFailed):
		return "Send failed. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Error("telegram reply", "err", err)
	}
}

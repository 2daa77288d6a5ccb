package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type RuntimeConfig struct {
	Bind          string
	Port          string
	Token         string
	StateDir      string
	ProfileDir    string
	Headless      bool
	ChromeBinary  string
	ChromeFlags   string
	WhatsAppURL   string
	TelegramToken string
	AdminIDs      []int64
	DefaultTarget string

	QRWait          time.Duration
	LoginWait       time.Duration
	ActionTimeout   time.Duration
	SettleDelay     time.Duration
	UploadSettle    time.Duration
	NavigateTimeout time.Duration
	ShutdownTimeout time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseAdminIDs(v string) []int64 {
	if v == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

func (c *RuntimeConfig) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

type FileConfig struct {
	Port          string `json:"port"`
	Token         string `json:"token,omitempty"`
	StateDir      string `json:"stateDir"`
	ProfileDir    string `json:"profileDir"`
	Headless      *bool  `json:"headless,omitempty"`
	TelegramToken string `json:"telegramToken,omitempty"`
	DefaultTarget string `json:"defaultTarget,omitempty"`
	QRWaitSec     int    `json:"qrWaitSec,omitempty"`
	LoginWaitSec  int    `json:"loginWaitSec,omitempty"`
	TimeoutSec    int    `json:"timeoutSec,omitempty"`
}

func Load() *RuntimeConfig {
	cfg := &RuntimeConfig{
		Bind:          envOr("WABRIDGE_BIND", "127.0.0.1"),
		Port:          envOr("WABRIDGE_PORT", "5000"),
		Token:         os.Getenv("WABRIDGE_TOKEN"),
		StateDir:      envOr("WABRIDGE_STATE_DIR", filepath.Join(homeDir(), ".wabridge")),
		ProfileDir:    envOr("WABRIDGE_PROFILE", filepath.Join(homeDir(), ".wabridge", "chrome-profile")),
		Headless:      envBoolOr("WABRIDGE_HEADLESS", true),
		ChromeBinary:  os.Getenv("CHROME_BINARY"),
		ChromeFlags:   os.Getenv("CHROME_FLAGS"),
		WhatsAppURL:   envOr("WABRIDGE_WA_URL", "https://web.whatsapp.com"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AdminIDs:      parseAdminIDs(os.Getenv("ADMIN_IDS")),
		DefaultTarget: os.Getenv("DEFAULT_TARGET"),

		QRWait:          time.Duration(envIntOr("WABRIDGE_QR_WAIT", 30)) * time.Second,
		LoginWait:       time.Duration(envIntOr("WABRIDGE_LOGIN_WAIT", 120)) * time.Second,
		ActionTimeout:   15 * time.Second,
		SettleDelay:     2 * time.Second,
		UploadSettle:    3 * time.Second,
		NavigateTimeout: 30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	configPath := envOr("WABRIDGE_CONFIG", filepath.Join(homeDir(), ".wabridge", "config.json"))

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg
	}

	if fc.Port != "" && os.Getenv("WABRIDGE_PORT") == "" {
		cfg.Port = fc.Port
	}
	if fc.Token != "" && os.Getenv("WABRIDGE_TOKEN") == "" {
		cfg.Token = fc.Token
	}
	if fc.StateDir != "" && os.Getenv("WABRIDGE_STATE_DIR") == "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.ProfileDir != "" && os.Getenv("WABRIDGE_PROFILE") == "" {
		cfg.ProfileDir = fc.ProfileDir
	}
	if fc.Headless != nil && os.Getenv("WABRIDGE_HEADLESS") == "" {
		cfg.Headless = *fc.Headless
	}
	if fc.TelegramToken != "" && os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
		cfg.TelegramToken = fc.TelegramToken
	}
	if fc.DefaultTarget != "" && os.Getenv("DEFAULT_TARGET") == "" {
		cfg.DefaultTarget = fc.DefaultTarget
	}
	if fc.QRWaitSec > 0 && os.Getenv("WABRIDGE_QR_WAIT") == "" {
		cfg.QRWait = time.Duration(fc.QRWaitSec) * time.Second
	}
	if fc.LoginWaitSec > 0 && os.Getenv("WABRIDGE_LOGIN_WAIT") == "" {
		cfg.LoginWait = time.Duration(fc.LoginWaitSec) * time.Second
	}
	if fc.TimeoutSec > 0 {
		cfg.ActionTimeout = time.Duration(fc.TimeoutSec) * time.Second
	}

	return cfg
}

func DefaultFileConfig() FileConfig {
	h := true
	return FileConfig{
		Port:         "5000",
		StateDir:     filepath.Join(homeDir(), ".wabridge"),
		ProfileDir:   filepath.Join(homeDir(), ".wabridge", "chrome-profile"),
		Headless:     &h,
		QRWaitSec:    30,
		LoginWaitSec: 120,
		TimeoutSec:   15,
	}
}

func HandleConfigCommand(cfg *RuntimeConfig) {
	if len(os.Args) < 3 {
		fmt.Println("Usage: wabridge config <command>")
		fmt.Println("Commands:")
		fmt.Println("  init    - Create default config file")
		fmt.Println("  show    - Show current configuration")
		return
	}

	switch os.Args[2] {
	case "init":
		configPath := filepath.Join(homeDir(), ".wabridge", "config.json")

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config file already exists at %s\n", configPath)
			fmt.Print("Overwrite? (y/N): ")
			var response string
			_, _ = fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				return
			}
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			fmt.Printf("Error creating directory: %v\n", err)
			os.Exit(1)
		}

		fc := DefaultFileConfig()
		data, _ := json.MarshalIndent(fc, "", "  ")
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			fmt.Printf("Error writing config: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Config file created at %s\n", configPath)

	case "show":
		fmt.Println("Current configuration:")
		fmt.Printf("  Port:        %s\n", cfg.Port)
		fmt.Printf("  Token:       %s\n", MaskToken(cfg.Token))
		fmt.Printf("  Bot token:   %s\n", MaskToken(cfg.TelegramToken))
		fmt.Printf("  State Dir:   %s\n", cfg.StateDir)
		fmt.Printf("  Profile:     %s\n", cfg.ProfileDir)
		fmt.Printf("  Headless:    %v\n", cfg.Headless)
		fmt.Printf("  Target:      %s\n", cfg.DefaultTarget)
		fmt.Printf("  Admins:      %d\n", len(cfg.AdminIDs))
		fmt.Printf("  Timeouts:    qr=%v login=%v action=%v\n", cfg.QRWait, cfg.LoginWait, cfg.ActionTimeout)

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func MaskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}

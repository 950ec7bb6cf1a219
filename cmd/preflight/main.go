// cmd/preflight/main.go
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hamed0406/domainhealth/internal/config"
)

func main() {
	failed := false
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg, err := config.Load()
	if err != nil {
		fail("config: " + err.Error())
		os.Exit(1)
	}

	if len(cfg.AdminAPIKeys) == 0 {
		fail("ADMIN_API_KEYS is empty (sweep and incident routes would be open).")
	}
	if len(cfg.PublicAPIKeys) == 0 {
		warn("PUBLIC_API_KEYS is empty; read routes accept admin keys only.")
	}
	ok("API_ADDR=" + cfg.Addr)

	switch {
	case cfg.DatabaseURL != "":
		ok("store: postgres")
	case cfg.SQLitePath != "":
		ok("store: sqlite at " + cfg.SQLitePath)
	default:
		warn("no DATABASE_URL or SQLITE_PATH; incidents live in memory and are lost on restart.")
	}

	if cfg.CheckInterval == 0 {
		warn("CHECK_INTERVAL_MS=0; an external trigger must POST /api/monitor/sweep.")
	} else if cfg.CheckInterval < time.Minute {
		warn(fmt.Sprintf("CHECK_INTERVAL_MS=%d is below one minute; targets are still probed at their own interval.", cfg.CheckInterval.Milliseconds()))
	} else {
		ok("internal sweep every " + cfg.CheckInterval.String())
	}

	// a sweep must finish within its interval even with retries
	worst := time.Duration(cfg.RetryAttempts) * (cfg.HTTPTimeout + cfg.RetryBackoff)
	if cfg.CheckInterval > 0 && worst > cfg.CheckInterval {
		warn(fmt.Sprintf("one probe may take %s with retries, longer than the sweep interval %s.", worst, cfg.CheckInterval))
	}

	if cfg.RedisAddr == "" {
		warn("REDIS_ADDR empty; per-target locking is process local. Run a single replica.")
	} else {
		ok("REDIS_ADDR=" + cfg.RedisAddr)
	}

	channels := []string{"in-app", "slack (per client)"}
	if cfg.SMTPHost != "" {
		if cfg.SMTPFrom == "" {
			fail("SMTP_HOST set but SMTP_FROM is empty.")
		}
		channels = append(channels, "email")
	}
	if cfg.TelegramToken != "" {
		channels = append(channels, "telegram")
	}
	if cfg.NATSURL != "" {
		channels = append(channels, "nats")
	}
	ok("alert channels: " + strings.Join(channels, ", "))

	if len(cfg.AllowedOrigins) == 0 {
		warn("ALLOWED_ORIGINS empty; CORS allows every origin.")
	} else {
		ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
	}

	if failed {
		os.Exit(1)
	}
	ok("preflight passed")
}

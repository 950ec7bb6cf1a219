package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string // API bind address, e.g., "127.0.0.1:8080" or ":8080" (Docker)
	LogDir     string
	LogLevel   string
	LogConsole bool

	// Store selection: DatabaseURL wins, then SQLitePath, else in-memory.
	DatabaseURL string
	SQLitePath  string

	RetryAttempts  int
	RetryBackoff   time.Duration
	HTTPTimeout    time.Duration // per probe, capped at 10s
	ProbeMethod    string
	ProbeScheme    string
	SSLWarningDays int

	DefaultInterval     time.Duration
	DueTolerance        time.Duration
	MaxConcurrentChecks int
	CheckInterval       time.Duration // 0 = sweeps only via the API
	AsyncNotify         bool

	PublicAPIKeys  []string
	AdminAPIKeys   []string
	AllowedOrigins []string
	PublicRPM      int
	PublicBurst    int
	AdminRPM       int
	AdminBurst     int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	SlackTimeout    time.Duration
	TelegramToken   string
	TelegramAPIBase string
	NATSURL         string
	NATSSubject     string

	RedisAddr string
	LockTTL   time.Duration
}

const maxProbeTimeout = 10 * time.Second

// FromEnv reads the process environment on top of the defaults.
func FromEnv() Config {
	return build(os.LookupEnv)
}

// Load reads .env (if present), then the YAML or TOML file named by
// CONFIG_FILE, then the process environment. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return Config{}, err
		}
	}
	return build(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}), nil
}

// readFile decodes a flat config file. Keys are the env names in any case
// (api_addr or API_ADDR); lists become comma separated values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("config %s: unsupported format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = flatten(v)
	}
	return out, nil
}

func flatten(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}

type lookupFunc func(string) (string, bool)

func build(lookup lookupFunc) Config {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	getInt := func(key string, def, lo int) int {
		if n, err := strconv.Atoi(get(key, "")); err == nil && n >= lo {
			return n
		}
		return def
	}
	getMS := func(key string, def time.Duration) time.Duration {
		if n, err := strconv.Atoi(get(key, "")); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
		return def
	}
	getBool := func(key string, def bool) bool {
		if b, err := strconv.ParseBool(get(key, "")); err == nil {
			return b
		}
		return def
	}

	timeout := getMS("HTTP_TIMEOUT_MS", maxProbeTimeout)
	if timeout <= 0 || timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}

	return Config{
		Addr:       get("API_ADDR", "127.0.0.1:8080"),
		LogDir:     get("LOG_DIR", "logs"),
		LogLevel:   strings.ToLower(get("LOG_LEVEL", "info")),
		LogConsole: getBool("LOG_CONSOLE", false),

		DatabaseURL: get("DATABASE_URL", ""),
		SQLitePath:  get("SQLITE_PATH", ""),

		RetryAttempts:  getInt("RETRY_ATTEMPTS", 2, 1),
		RetryBackoff:   getMS("RETRY_BACKOFF_MS", 300*time.Millisecond),
		HTTPTimeout:    timeout,
		ProbeMethod:    strings.ToUpper(get("PROBE_METHOD", "GET")),
		ProbeScheme:    strings.ToLower(get("PROBE_SCHEME", "https")),
		SSLWarningDays: getInt("SSL_WARNING_DAYS", 7, 0),

		DefaultInterval:     time.Duration(getInt("DEFAULT_INTERVAL_MINUTES", 5, 1)) * time.Minute,
		DueTolerance:        getMS("DUE_TOLERANCE_MS", 5*time.Second),
		MaxConcurrentChecks: getInt("MAX_CONCURRENT_CHECKS", 8, 1),
		CheckInterval:       getMS("CHECK_INTERVAL_MS", 0),
		AsyncNotify:         getBool("ASYNC_NOTIFY", true),

		PublicAPIKeys:  splitList(get("PUBLIC_API_KEYS", "")),
		AdminAPIKeys:   splitList(get("ADMIN_API_KEYS", "")),
		AllowedOrigins: splitList(get("ALLOWED_ORIGINS", "")),
		PublicRPM:      getInt("PUBLIC_RPM", 120, 0),
		PublicBurst:    getInt("PUBLIC_BURST", 60, 1),
		AdminRPM:       getInt("ADMIN_RPM", 30, 0),
		AdminBurst:     getInt("ADMIN_BURST", 10, 1),

		SMTPHost:     get("SMTP_HOST", ""),
		SMTPPort:     getInt("SMTP_PORT", 587, 1),
		SMTPUsername: get("SMTP_USERNAME", ""),
		SMTPPassword: get("SMTP_PASSWORD", ""),
		SMTPFrom:     get("SMTP_FROM", ""),

		SlackTimeout:    getMS("SLACK_TIMEOUT_MS", 5*time.Second),
		TelegramToken:   get("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIBase: get("TELEGRAM_API_BASE", ""),
		NATSURL:         get("NATS_URL", ""),
		NATSSubject:     get("NATS_SUBJECT", "domainhealth.incidents"),

		RedisAddr: get("REDIS_ADDR", ""),
		LockTTL:   getMS("LOCK_TTL_MS", 30*time.Second),
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SSLWarning is the certificate expiry window as a duration.
func (c Config) SSLWarning() time.Duration {
	return time.Duration(c.SSLWarningDays) * 24 * time.Hour
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	TelegramToken string

	StoreDriver string
	DatabaseURI string
	SQLitePath  string

	GroupChatID    int64
	AlertChatID    int64
	AdminUsernames []string
	Location       *time.Location

	TickInterval    time.Duration
	DispatchTimeout time.Duration
	CatchUpWindow   time.Duration
	TickConcurrency int
	SendRatePerSec  int

	AIAPIKey  string
	AIBaseURL string
	AIModel   string

	Port      int
	LogLevel  string
	LogFormat string
}

// Load reads the process configuration once. Values are never re-read after
// start; callers hold on to the returned struct.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional in production
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup, which keeps the
// parsing testable without touching the process environment.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	var errs []error
	cfg := &Config{
		TelegramToken: get("TELEGRAM_TOKEN", ""),
		StoreDriver:   strings.ToLower(get("STORE_DRIVER", DriverPostgres)),
		DatabaseURI:   get("DATABASE_URI", ""),
		SQLitePath:    get("SQLITE_PATH", "./data/titanbot.db"),
		AIAPIKey:      get("AI_API_KEY", ""),
		AIBaseURL:     get("AI_BASE_URL", "https://openrouter.ai/api/v1"),
		AIModel:       get("AI_MODEL", "openai/gpt-4o-mini"),
		LogLevel:      strings.ToLower(get("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(get("LOG_FORMAT", "console")),
	}

	cfg.AdminUsernames = ParseUsernames(get("ADMIN_USERNAMES", ""))

	var err error
	if cfg.GroupChatID, err = parseInt64(get("GROUP_CHAT_ID", "0")); err != nil {
		errs = append(errs, fmt.Errorf("GROUP_CHAT_ID: %w", err))
	}
	if cfg.AlertChatID, err = parseInt64(get("ALERT_CHAT_ID", "0")); err != nil {
		errs = append(errs, fmt.Errorf("ALERT_CHAT_ID: %w", err))
	}
	if cfg.Location, err = time.LoadLocation(get("TIMEZONE", "Asia/Kolkata")); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	if cfg.TickInterval, err = time.ParseDuration(get("TICK_INTERVAL", "1m")); err != nil {
		errs = append(errs, fmt.Errorf("TICK_INTERVAL: %w", err))
	}
	if cfg.DispatchTimeout, err = time.ParseDuration(get("DISPATCH_TIMEOUT", "20s")); err != nil {
		errs = append(errs, fmt.Errorf("DISPATCH_TIMEOUT: %w", err))
	}
	if cfg.CatchUpWindow, err = time.ParseDuration(get("CATCH_UP_WINDOW", "10m")); err != nil {
		errs = append(errs, fmt.Errorf("CATCH_UP_WINDOW: %w", err))
	}
	if cfg.TickConcurrency, err = strconv.Atoi(get("TICK_CONCURRENCY", "4")); err != nil {
		errs = append(errs, fmt.Errorf("TICK_CONCURRENCY: %w", err))
	}
	if cfg.SendRatePerSec, err = strconv.Atoi(get("SEND_RATE_PER_SEC", "20")); err != nil {
		errs = append(errs, fmt.Errorf("SEND_RATE_PER_SEC: %w", err))
	}
	if cfg.Port, err = strconv.Atoi(get("PORT", "8080")); err != nil {
		errs = append(errs, fmt.Errorf("PORT: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the values a running bot cannot do without.
func (c *Config) Validate() error {
	var errs []error
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURI == "" {
			errs = append(errs, errors.New("DATABASE_URI is required for the postgres store"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if len(c.AdminUsernames) == 0 {
		errs = append(errs, errors.New("ADMIN_USERNAMES must name at least one owner"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must be positive"))
	}
	// A tick only looks back CATCH_UP_WINDOW, so a shorter window leaves
	// occurrences between two ticks unseen.
	if c.CatchUpWindow < c.TickInterval {
		errs = append(errs, fmt.Errorf("CATCH_UP_WINDOW (%s) must be at least TICK_INTERVAL (%s)", c.CatchUpWindow, c.TickInterval))
	}
	if c.TickConcurrency <= 0 {
		errs = append(errs, errors.New("TICK_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

// AIEnabled reports whether AI-written announcements are available.
func (c *Config) AIEnabled() bool {
	return c.AIAPIKey != ""
}

// ParseUsernames splits a comma separated list, dropping "@" prefixes and
// normalising case so usernames compare the way Telegram treats them.
func ParseUsernames(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		name := NormalizeUsername(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

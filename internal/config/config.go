package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/dmsync/internal/engine"
)

// Mailbox backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the mailbox server.
type Config struct {
	Port           string
	Env            string
	DatabaseURL    string
	RedisURL       string
	MailboxBackend string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}
	cfg.MailboxBackend = getEnv("MAILBOX_BACKEND", defaultBackend(cfg))

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	switch cfg.MailboxBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		panic("MAILBOX_BACKEND must be one of memory, redis, postgres")
	}

	// In production, require a persistent backend and its URL
	if cfg.Env == "production" {
		switch cfg.MailboxBackend {
		case BackendMemory:
			panic("MAILBOX_BACKEND=memory is not allowed in production")
		case BackendPostgres:
			if cfg.DatabaseURL == "" {
				panic("DATABASE_URL is required in production")
			}
		case BackendRedis:
			if cfg.RedisURL == "" {
				panic("REDIS_URL is required in production")
			}
		}
	}

	return cfg
}

// defaultBackend picks postgres when a database is configured, then redis,
// then the in-memory mailbox.
func defaultBackend(cfg *Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return BackendPostgres
	case cfg.RedisURL != "":
		return BackendRedis
	default:
		return BackendMemory
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ClientConfig holds the configuration of the dmsync CLI.
type ClientConfig struct {
	URL    string
	DBPath string // SQLite cache; empty keeps the log in memory
	Key    string // base64 Ed25519 seed; signs requests, seals payloads and names the local address
	Env    string

	SteadyInterval  time.Duration
	FastInterval    time.Duration
	FailureInterval time.Duration
	FailureJitter   time.Duration
	BurstCycles     int
	HistoryLimit    int
	BackfillLimit   int
	RecencyWindow     time.Duration
	RecencyOnResume   bool
}

// LoadClient reads the CLI configuration. Unset or unparsable numeric
// values fall back to the engine defaults.
func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	d := engine.DefaultPolicy()
	return &ClientConfig{
		URL:    getEnv("DMSYNC_URL", "http://localhost:8080"),
		DBPath: os.Getenv("DMSYNC_DB"),
		Key:    os.Getenv("DMSYNC_KEY"),
		Env:    getEnv("ENV", "development"),

		SteadyInterval:  getMillis("DMSYNC_STEADY_MS", d.SteadyInterval),
		FastInterval:    getMillis("DMSYNC_FAST_MS", d.FastInterval),
		FailureInterval: getMillis("DMSYNC_FAILURE_MS", d.FailureInterval),
		FailureJitter:   getMillis("DMSYNC_JITTER_MS", d.FailureJitter),
		BurstCycles:     getInt("DMSYNC_BURST", d.BurstCycles),
		HistoryLimit:    getInt("DMSYNC_HISTORY", d.HistoryLimit),
		BackfillLimit:   getInt("DMSYNC_BACKFILL", d.BackfillLimit),
		RecencyWindow:     getMillis("DMSYNC_RECENCY_WINDOW_MS", d.RecencyWindow),
		RecencyOnResume:   getEnv("DMSYNC_RECENCY_ON_RESUME", "false") == "true",
	}
}

// Policy builds the engine policy described by the configuration.
func (c *ClientConfig) Policy() engine.Policy {
	p := engine.DefaultPolicy()
	p.SteadyInterval = c.SteadyInterval
	p.FastInterval = c.FastInterval
	p.FailureInterval = c.FailureInterval
	p.FailureJitter = c.FailureJitter
	p.BurstCycles = c.BurstCycles
	p.HistoryLimit = c.HistoryLimit
	p.BackfillLimit = c.BackfillLimit
	p.RecencyWindow = c.RecencyWindow
	p.RecencyOnResume = c.RecencyOnResume
	return p
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return defaultValue
	}
	return v
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return time.Duration(v) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

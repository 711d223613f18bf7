package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/dmsync/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MAILBOX_BACKEND", "")
	t.Setenv("RATE_LIMIT_WHITELIST", " 127.0.0.1, ,10.0.0.0/8 ")

	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.True(t, cfg.IsDevelopment())
	require.Equal(t, BackendMemory, cfg.MailboxBackend)
	require.Equal(t, []string{"127.0.0.1", "10.0.0.0/8"}, cfg.RateLimitWhitelist)
}

func TestLoadBackendSelection(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("MAILBOX_BACKEND", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	require.Equal(t, BackendRedis, Load().MailboxBackend)

	t.Setenv("DATABASE_URL", "postgres://localhost/dmsync")
	require.Equal(t, BackendPostgres, Load().MailboxBackend)

	t.Setenv("MAILBOX_BACKEND", "redis")
	require.Equal(t, BackendRedis, Load().MailboxBackend)

	t.Setenv("MAILBOX_BACKEND", "etcd")
	require.Panics(t, func() { Load() })
}

func TestLoadProductionRequirements(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	t.Setenv("MAILBOX_BACKEND", "")
	require.Panics(t, func() { Load() })

	t.Setenv("MAILBOX_BACKEND", "postgres")
	require.Panics(t, func() { Load() })

	t.Setenv("DATABASE_URL", "postgres://db/dmsync")
	require.NotPanics(t, func() { Load() })
}

func TestLoadClient(t *testing.T) {
	t.Setenv("DMSYNC_URL", "")
	t.Setenv("DMSYNC_KEY", "c2VlZA==")
	t.Setenv("DMSYNC_STEADY_MS", "4000")
	t.Setenv("DMSYNC_FAST_MS", "garbage")
	t.Setenv("DMSYNC_FAILURE_MS", "")
	t.Setenv("DMSYNC_JITTER_MS", "")
	t.Setenv("DMSYNC_BURST", "5")
	t.Setenv("DMSYNC_HISTORY", "")
	t.Setenv("DMSYNC_BACKFILL", "-3")
	t.Setenv("DMSYNC_RECENCY_WINDOW_MS", "")
	t.Setenv("DMSYNC_RECENCY_ON_RESUME", "true")

	cfg := LoadClient()
	require.Equal(t, "http://localhost:8080", cfg.URL)
	require.Equal(t, "c2VlZA==", cfg.Key)

	d := engine.DefaultPolicy()
	p := cfg.Policy()
	require.Equal(t, 4*time.Second, p.SteadyInterval)
	require.Equal(t, d.FastInterval, p.FastInterval)
	require.Equal(t, d.FailureInterval, p.FailureInterval)
	require.Equal(t, 5, p.BurstCycles)
	require.Equal(t, d.HistoryLimit, p.HistoryLimit)
	require.Equal(t, d.BackfillLimit, p.BackfillLimit)
	require.True(t, p.RecencyOnResume)
	require.Equal(t, d.CallTimeout, p.CallTimeout)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8787", cfg.Addr)
	require.Equal(t, 300, cfg.MaxVoiceDurationSeconds)
	require.Equal(t, 5, cfg.BusMaxAttempts)
	require.Equal(t, 2*time.Second, cfg.BusBlockTimeout)
	require.Empty(t, cfg.MeiliURL)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("DESKLINE_MAX_VOICE_DURATION_SECONDS", "60")
	t.Setenv("WS_ALLOWED_ORIGINS", "app.example.com,admin.example.com")
	t.Setenv("DESKLINE_PRESENCE_TTL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 60, cfg.MaxVoiceDurationSeconds)
	require.Equal(t, []string{"app.example.com", "admin.example.com"}, cfg.WSOriginPatterns)
	require.Equal(t, 30*time.Second, cfg.PresenceTTL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DESKLINE_MAX_VOICE_DURATION_SECONDS", "0")

	_, err := Load()
	require.Error(t, err)
}

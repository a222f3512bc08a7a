package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOMAIN", "card.example.com")
	t.Setenv("DATABASE_URL", "postgres://localhost/bolt")

	cfg, err := Load(Flags())
	require.NoError(t, err)

	assert.Equal(t, "card.example.com", cfg.Domain)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(100_000), cfg.DefaultTxLimit)
	assert.Equal(t, int64(500_000), cfg.DefaultDayLimit)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogPretty)
}

func TestLoad_RequiresDomainAndDatabaseURL(t *testing.T) {
	_, err := Load(Flags())
	assert.Error(t, err)

	t.Setenv("DOMAIN", "card.example.com")
	_, err = Load(Flags())
	assert.Error(t, err, "DATABASE_URL still missing")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DOMAIN", "card.example.com")
	t.Setenv("DATABASE_URL", "postgres://localhost/bolt")
	t.Setenv("PORT", "3000")
	t.Setenv("DEFAULT_TX_LIMIT", "250000")

	cfg, err := Load(Flags())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, int64(250000), cfg.DefaultTxLimit)
}

func TestLoad_CLIOverridesEnv(t *testing.T) {
	t.Setenv("DOMAIN", "card.example.com")
	t.Setenv("DATABASE_URL", "postgres://localhost/bolt")
	t.Setenv("PORT", "3000")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--port=9999"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port, "CLI flag must win over env per spec precedence")
}

func TestConfig_LnurlwBaseAndAddr(t *testing.T) {
	cfg := Config{Domain: "card.example.com", Host: "127.0.0.1", Port: 9090}
	assert.Equal(t, "lnurlw://card.example.com/ln", cfg.LnurlwBase())
	assert.Equal(t, "https://card.example.com/ln/callback", cfg.CallbackBase())
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
}

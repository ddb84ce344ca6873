package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8765", cfg.Addr())
	assert.Equal(t, 200, cfg.Limits.MessageBufferSize)
	assert.True(t, cfg.Limits.IdlePrompts)
	assert.True(t, cfg.Admission.CaptchaEnabled)
	assert.Equal(t, 3600, cfg.Callbacks.MaxDurationS)
	assert.Equal(t, 30, cfg.Arbitration.IndependenceDays)
	assert.False(t, cfg.TLSEnabled())
}

func TestIndependenceDaysFromEnv(t *testing.T) {
	t.Setenv("ARBITER_INDEPENDENCE_DAYS", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Arbitration.IndependenceDays)
}

func TestYAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
  name: testnet
limits:
  message_buffer_size: 50
admission:
  lurk_disabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "testnet", cfg.Server.Name)
	assert.Equal(t, 50, cfg.Limits.MessageBufferSize)
	assert.True(t, cfg.Admission.LurkDisabled)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9000\"\n"), 0o644))

	t.Setenv("PORT", "7000")
	t.Setenv("MESSAGE_BUFFER_SIZE", "25")
	t.Setenv("IDLE_PROMPTS", "false")
	t.Setenv("ALLOWLIST_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Limits.MessageBufferSize)
	assert.False(t, cfg.Limits.IdlePrompts)
	assert.True(t, cfg.Admission.AllowlistEnabled)
}

func TestMOTDFile(t *testing.T) {
	motd := filepath.Join(t.TempDir(), "motd.txt")
	require.NoError(t, os.WriteFile(motd, []byte("welcome, agents"), 0o644))

	t.Setenv("MOTD_FILE", motd)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "welcome, agents", cfg.Server.MOTD)

	t.Setenv("MOTD", "inline wins")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "inline wins", cfg.Server.MOTD)
}

func TestMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	assert.Error(t, err)
}

func TestBadEnvValuesIgnored(t *testing.T) {
	t.Setenv("RATE_LIMIT_MS", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Limits.RateLimitMS)
}

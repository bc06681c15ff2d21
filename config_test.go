package opmux

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Config_defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultWindow, cfg.Window)

	var zero Config
	filled := zero.withDefaults()
	assert.NoError(t, filled.Validate())
	assert.NotNil(t, filled.Clock)
}

func Test_Config_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = MaxWindow + 1
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.MaximumTimeout = time.Second
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.DefaultTimeout = 0
	assert.Error(t, cfg.Validate())
}

func Test_Config_clampTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.clampTimeout(time.Second))
	assert.Equal(t, MaximumTimeout, cfg.clampTimeout(time.Hour))
}

func Test_DecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(`
default_timeout = "5s"
maximum_timeout = "1m"
window = 4
log_level = "debug"
netlog = true
`)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, time.Minute, cfg.MaximumTimeout)
	assert.Equal(t, 4, cfg.Window)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.NetLog)

	cfg, err = DecodeConfig(`window = 2`)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, cfg.DefaultTimeout)
	assert.Equal(t, 2, cfg.Window)
}

func Test_DecodeConfig_errors(t *testing.T) {
	_, err := DecodeConfig(`windwo = 2`)
	assert.Error(t, err)
	_, err = DecodeConfig(`default_timeout = "soon"`)
	assert.Error(t, err)
	_, err = DecodeConfig(`window = 0`)
	assert.Error(t, err)
	_, err = DecodeConfig(`window = `)
	assert.Error(t, err)
}

func Test_LoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opmux.toml")
	require.NoError(t, os.WriteFile(path, []byte("maximum_timeout = \"2m\"\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.MaximumTimeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{"--config", filepath.Join(dir, "missing.toml")})
	require.NoError(t, err)
	require.Equal(t, DefaultLogLevel, cfg.Log.Level)
	require.Equal(t, "cnd.sqlite", cfg.DB.Path)
}

func TestLoad_TOMLThenFlagsWin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[db]
path = "from-toml.sqlite"

[log]
level = "debug"
`), 0o644))

	cfg, err := Load([]string{"--config", path, "--log.level", "trace"})
	require.NoError(t, err)

	require.Equal(t, "from-toml.sqlite", cfg.DB.Path) // only present in TOML
	require.Equal(t, "trace", cfg.Log.Level)          // flag overrides TOML
}

func TestLoad_EnvOverridesLogLevel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(LogLevelEnvVar, "warn")

	cfg, err := Load([]string{"--config", filepath.Join(dir, "missing.toml")})
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
}

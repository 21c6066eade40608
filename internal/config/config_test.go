package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultIdleEvictionMinutes, int(cfg.IdleEviction.Minutes()))
	assert.Equal(t, ":4096", cfg.ListenAddr)
	assert.NotZero(t, cfg.BashTimeout)
}

func TestLoadMergesProjectOverGlobal(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	require.NoError(t, os.MkdirAll(filepath.Join(configHome, "agentd"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configHome, "agentd", "config.jsonc"), []byte(`{
		"defaultModel": "global-model"
	}`), 0644))

	dir := t.TempDir()
	projectPath := filepath.Join(dir, ".agentd.jsonc")
	require.NoError(t, os.WriteFile(projectPath, []byte(`{
		// project override
		"defaultModel": "claude-test",
		"listenAddr": ":9999"
	}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "claude-test", cfg.DefaultModel)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestEnvOverridesWinOverFiles(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("AGENTD_MODEL", "env-model")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".agentd.jsonc"), []byte(`{"defaultModel": "file-model"}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.DefaultModel)
}

func TestStripJSONComments(t *testing.T) {
	in := []byte("{\n  // comment\n  \"a\": 1 /* inline */\n}")
	out := stripJSONComments(in)
	assert.NotContains(t, string(out), "comment")
	assert.NotContains(t, string(out), "inline")
}

const defaultIdleEvictionMinutes = 60

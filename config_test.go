package sealchat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sealchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
dataDir: /var/lib/sealchat
profile: work
userID: alice@example.com
mediaCacheEntries: 16
minimumFreeMB: 100
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sealchat", config.DataDir)
	assert.Equal(t, "work", config.Profile)
	assert.Equal(t, "alice@example.com", config.UserID)
	assert.Equal(t, 16, config.MediaCacheEntries)
	assert.Equal(t, uint64(100), config.MinimumFreeMB)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
dataDir: /tmp/sealchat
userID: alice
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "default", config.Profile)
	assert.Equal(t, 64, config.MediaCacheEntries)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfigFile(t, "dataDir: [not: valid")
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupReturnsEmptyWhenConfigAbsent(t *testing.T) {
	path, err := Backup(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBackupCreatesTimestampedCopy(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hre.config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("version: 1\n"), 0o644))

	backupPath, err := Backup(configPath)
	require.NoError(t, err)
	require.NotEmpty(t, backupPath)

	data, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))
}

func TestBackupTrimsBeyondMaxBackups(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hre.config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("version: 1\n"), 0o644))

	for i := 0; i < MaxBackups+2; i++ {
		_, err := Backup(configPath)
		require.NoError(t, err)
		time.Sleep(time.Millisecond) // names have one-second resolution, so backups in the same second share a name
	}

	backups, err := ListBackups(configPath)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), MaxBackups)
}

func TestRestoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hre.config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("version: 1\n"), 0o644))

	backupPath, err := Backup(configPath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(configPath, []byte("version: 2\n"), 0o644))
	require.NoError(t, Restore(configPath, backupPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))
}

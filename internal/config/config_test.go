package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFirstRunGeneratesIdentity(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DeviceID)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.Equal(t, 8, cfg.ProtocolVersion)
	assert.Equal(t, uint16(1716), cfg.Network.TCPPort)
	assert.Equal(t, 30*time.Second, cfg.Pairing.Timeout)
	assert.Equal(t, int64(256<<20), cfg.Transfers.BytesBudget)
	assert.FileExists(t, cfg.SystemPaths.ConfigFile)

	// Identity is stable across loads.
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceID, again.DeviceID)
}

func TestLoadRepairsPartialConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte("device_id: fixed-id\ndevice_name: bench\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", cfg.DeviceID)
	assert.Equal(t, "bench", cfg.DeviceName)
	assert.Equal(t, uint16(1716), cfg.Network.TCPPort)
	assert.Equal(t, int64(8), cfg.Transfers.MaxConcurrent)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefaultBaseDirHonorsEnv(t *testing.T) {
	t.Setenv("LANLINK_DATA_DIR", "/tmp/lanlink-test")
	dir, err := DefaultBaseDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lanlink-test", dir)
}

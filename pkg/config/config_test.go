package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultDurationHelpers(t *testing.T) {
	c := Default()
	require.Equal(t, 90*time.Second, c.LeaseTTL())
	require.Equal(t, 60*time.Second, c.LeaseRefresh())
	require.Equal(t, 30*time.Second, c.LeaseAcquireDeadline())
	require.Equal(t, 300*time.Second, c.Autosave())
}

func TestLoadOverlaysOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessionkv.json")
	raw, err := json.Marshal(map[string]interface{}{
		"name":              "orders",
		"lease_ttl_seconds": 120,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "orders", c.Name)
	require.Equal(t, 120*time.Second, c.LeaseTTL())
	// Fields absent from the file keep Default's values.
	require.Equal(t, "info", c.LogLevel)
	require.Equal(t, 60*time.Second, c.LeaseRefresh())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadInvalidJSONFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

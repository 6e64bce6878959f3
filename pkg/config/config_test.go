package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.Equal(t, "127.0.0.1:8420", c.Addr())
	require.Equal(t, "info", c.Logging.Level)
	require.Equal(t, []string{"network_id"}, c.Notify.ExcludedFields)
	require.Equal(t, 256, c.Backup.MaxItems)
	require.False(t, c.Retention.Enabled)
	require.Equal(t, "0 2 * * *", c.Retention.Cron)
	require.Equal(t, 180, c.Retention.CutoffDays)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  address: 0.0.0.0
  port: 9000
storage:
  db_path: /tmp/msgstore-test
notify:
  excluded_fields: [network_id, icon]
retention:
  enabled: true
  cutoff_days: 30
api:
  keys:
    read: [r1]
    write: [w1]
  rate_limit:
    rps: 50
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", c.Addr())
	require.Equal(t, "/tmp/msgstore-test", c.Storage.DBPath)
	require.Equal(t, []string{"network_id", "icon"}, c.Notify.ExcludedFields)
	require.True(t, c.Retention.Enabled)
	require.Equal(t, 30, c.Retention.CutoffDays)
	require.Equal(t, []string{"r1"}, c.API.Keys.Read)
	require.Equal(t, float64(50), c.API.RateLimit.RPS)
	// Unset sections keep their defaults.
	require.Equal(t, "0 2 * * *", c.Retention.Cron)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MSGSTORE_ADDR", "10.0.0.1")
	t.Setenv("MSGSTORE_PORT", "7000")
	t.Setenv("MSGSTORE_DB_PATH", "/data/store")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7000", c.Addr())
	require.Equal(t, "/data/store", c.Storage.DBPath)

	t.Setenv("MSGSTORE_PORT", "nope")
	_, err = Load("")
	require.Error(t, err)
}

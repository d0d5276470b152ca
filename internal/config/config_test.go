package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	p := writeFile(t, "empty.yml", "env: dev\n")
	c, err := Load(p)
	require.NoError(t, err)

	require.Equal(t, ":8000", c.HTTP.Addr)
	require.Equal(t, 256, c.Relay.OutBuffer)
	require.Equal(t, 5*time.Second, c.Relay.WriteTimeout)
	require.Equal(t, "memory", c.Pending.Backend)
	require.Equal(t, int64(2000), c.Pending.MaxKeep)
	require.Equal(t, "none", c.History.Backend)
	require.Equal(t, []string{"http://localhost:5173"}, c.HTTP.CORSOrigins)
	require.False(t, c.UsesRedis())
}

func TestLoadNegativeMaxKeepDisablesCap(t *testing.T) {
	c, err := Load(writeFile(t, "nocap.yml", "pending:\n  max_keep: -1\n"))
	require.NoError(t, err)
	require.Equal(t, int64(-1), c.Pending.MaxKeep)
}

func TestLoadMergesFilesInOrder(t *testing.T) {
	common := writeFile(t, "common.yml", "http:\n  addr: \":9000\"\nredis:\n  addr: \"10.0.0.1:6379\"\n")
	svc := writeFile(t, "svc.yml", "http:\n  addr: \":9100\"\npending:\n  backend: redis\n")

	c, err := Load(common + "," + svc)
	require.NoError(t, err)
	require.Equal(t, ":9100", c.HTTP.Addr)
	require.Equal(t, "10.0.0.1:6379", c.Redis.Addr)
	require.True(t, c.UsesRedis())
}

func TestLoadRejectsBadConfig(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)

	_, err = Load(writeFile(t, "bad.yml", "pending:\n  backend: kafka\n"))
	require.ErrorContains(t, err, "pending.backend")

	_, err = Load(writeFile(t, "sql.yml", "history:\n  backend: sql\n"))
	require.ErrorContains(t, err, "history.dsn")

	_, err = Load(writeFile(t, "auth.yml", "auth:\n  enabled: true\n  token:\n    secret: short\n"))
	require.ErrorContains(t, err, "secret")
}

func TestLoadExampleConfig(t *testing.T) {
	c, err := Load("../../config.example.yml")
	require.NoError(t, err)
	require.Equal(t, "bolt", c.Pending.Backend)
	require.Equal(t, "sqlite", c.History.Driver)
	require.Equal(t, 30*time.Second, c.KeyDir.CacheTTL)
	require.Equal(t, 5, c.History.Breaker.Threshold)
	require.Equal(t, 10*time.Second, c.History.Breaker.Window)
	require.Equal(t, 168*time.Hour, c.Pending.TTL)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/logger"
)

func write(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

const ecosystem = `module.exports = {
  apps: [{
    name: 'truthlens-streamlit',
    script: 'python',
    args: '-m streamlit run app_simple.py --server.port 3001',
    env: { PORT: 3001 },
    max_restarts: 3,
    restart_delay: 5000
  }]
}
`

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "ecosystem.config.js", ecosystem)
	cfg := write(t, dir, "appvisor.toml", `
ecosystem = ["ecosystem.config.js"]
env = ["TOP=tv"]

[log]
level = "debug"
format = "json"
dir = "logs"
max_size_mb = 50

[server]
listen = "0.0.0.0:9000"
base_path = "/v1"

[server.tls]
enabled = true
dir = "certs"
auto_generate = true
hosts = ["appvisor.local"]

[metrics]
enabled = true
sample_interval = "2s"

[history]
sinks = ["sqlite:///tmp/h.db", "opensearch://localhost:9200/app-history"]

[store]
dsn = "state.db"
resurrect = true

[daemon]
pidfile = "run/appvisor.pid"
`)
	fc, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, fc.Path())
	assert.Equal(t, []string{filepath.Join(dir, "ecosystem.config.js")}, fc.Ecosystem)
	assert.Equal(t, "0.0.0.0:9000", fc.Server.Listen)
	assert.Equal(t, "/v1", fc.Server.BasePath)
	assert.True(t, fc.Server.Enabled)
	tlsOpts := fc.Server.TLS.Options()
	assert.True(t, tlsOpts.Enabled)
	assert.True(t, tlsOpts.AutoGenerate)
	assert.Equal(t, filepath.Join(dir, "certs"), tlsOpts.Dir)
	assert.Equal(t, []string{"appvisor.local"}, tlsOpts.Hosts)
	assert.True(t, fc.Metrics.Enabled)
	assert.Equal(t, 2*time.Second, fc.Metrics.SampleInterval)
	assert.Len(t, fc.History.Sinks, 2)
	assert.Equal(t, "state.db", fc.Store.DSN)
	assert.True(t, fc.Store.Resurrect)
	assert.Equal(t, filepath.Join(dir, "run", "appvisor.pid"), fc.Daemon.PIDFile)

	lc := fc.Logger()
	assert.Equal(t, logger.Config{
		Level:    "debug",
		Format:   "json",
		Dir:      filepath.Join(dir, "logs"),
		Rotation: logger.Rotation{MaxSizeMB: 50, MaxBackups: logger.DefaultMaxBackups, MaxAgeDays: logger.DefaultMaxAgeDays},
	}, lc)

	set, err := fc.Descriptors()
	require.NoError(t, err)
	require.Len(t, set.Apps, 1)
	assert.Equal(t, "truthlens-streamlit", set.Apps[0].Name)
	assert.Equal(t, dir, set.Apps[0].Cwd)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, fc.Server.Listen)
	assert.Equal(t, DefaultBasePath, fc.Server.BasePath)
	assert.Equal(t, DefaultSampleInterval, fc.Metrics.SampleInterval)
	assert.False(t, fc.Metrics.Enabled)
	assert.Equal(t, "info", fc.Log.Level)

	set, err := fc.Descriptors()
	require.NoError(t, err)
	assert.Empty(t, set.Apps)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg := write(t, dir, "appvisor.yaml", "server:\n  listen: 127.0.0.1:1\nmetrics:\n  enabled: false\n")
	t.Setenv("APPVISOR_SERVER_LISTEN", "127.0.0.1:7777")
	t.Setenv("APPVISOR_METRICS_ENABLED", "true")
	t.Setenv("APPVISOR_STORE_DSN", "postgres://u:p@db/appvisor")
	t.Setenv("APPVISOR_LOG_LEVEL", "warn")

	fc, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", fc.Server.Listen)
	assert.True(t, fc.Metrics.Enabled)
	assert.Equal(t, "postgres://u:p@db/appvisor", fc.Store.DSN)
	assert.Equal(t, "warn", fc.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	dir := t.TempDir()
	for name, data := range map[string]string{
		"format.toml": "[log]\nformat = \"xml\"\n",
		"base.toml":   "[server]\nbase_path = \"api\"\n",
		"env.toml":    "env = [\"NOEQUALS\"]\n",
		"broken.toml": "ecosystem = [\n",
		"tls.toml":    "[server.tls]\nenabled = true\ncert_file = \"a.crt\"\n",
	} {
		_, err := Load(write(t, dir, name, data))
		assert.Error(t, err, name)
	}
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, ".env", "# comment\nA=1\nexport B=\"two\"\nCHAIN=${HOME}-x\nSHARED=file\n\nbroken\n")
	cfg := write(t, dir, "appvisor.toml", `
env_files = [".env"]
env = ["SHARED=top", "C=3"]
`)
	fc, err := Load(cfg)
	require.NoError(t, err)
	pairs, err := fc.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "C=3", "CHAIN=${HOME}-x", "SHARED=top"}, pairs)

	fc.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	_, err = fc.GlobalEnv()
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	p := write(t, t.TempDir(), "app.env", "X='quoted value'\nY = spaced \n")
	pairs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"X=quoted value", "Y=spaced"}, pairs)
}

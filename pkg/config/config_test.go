package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("calculator", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calculator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Port)
	assert.Equal(t, "localhost", cfg.Host)
	assert.False(t, cfg.ServerMode)
	assert.False(t, cfg.HasServer())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, 10*time.Second, cfg.Runtime.TaskTimeout)
	assert.Zero(t, cfg.Runtime.ResolveTimeout)
	assert.Equal(t, 30*time.Second, cfg.Directory.TTL)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load(newFlags(t, "-s", "-p", "4242", "--log-format", "json", "--metrics-port", "9090"))
	require.NoError(t, err)

	assert.True(t, cfg.ServerMode)
	assert.Equal(t, 4242, cfg.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
port: 1111
host: calc.internal
runtime:
  task_timeout: 3s
  rate_limit: 50
directory:
  redis_addr: localhost:6379
`)
	t.Setenv("CALC_PORT", "2222")
	t.Setenv("CALC_RUNTIME_TASK_TIMEOUT", "4s")

	cfg, err := Load(newFlags(t, "--config", path, "--port", "3333"))
	require.NoError(t, err)

	assert.Equal(t, 3333, cfg.Port, "flag beats env")
	assert.Equal(t, 4*time.Second, cfg.Runtime.TaskTimeout, "env beats file")
	assert.Equal(t, "calc.internal", cfg.Host, "file beats default")
	assert.InDelta(t, 50.0, cfg.Runtime.RateLimit, 0.001)
	assert.Equal(t, "localhost:6379", cfg.Directory.RedisAddr)
	assert.True(t, cfg.HasServer())
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	t.Setenv("CALC_CONFIG", writeFile(t, "port: 4242\n"))
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Port)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		path := writeFile(t, strings.Repeat("x: value\n", 200000))
		_, err := Load(newFlags(t, "--config", path))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
	t.Run("missing", func(t *testing.T) {
		_, err := Load(newFlags(t, "--config", "/nonexistent/path/config.yaml"))
		assert.Error(t, err)
	})
	t.Run("invalid yaml", func(t *testing.T) {
		path := writeFile(t, "port: 1\ninvalid yaml here: [[[\n")
		_, err := Load(newFlags(t, "--config", path))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "port too large", mutate: func(c *Config) { c.Port = 99999 }, wantErr: "port 99999"},
		{name: "negative port", mutate: func(c *Config) { c.Port = -1 }, wantErr: "out of range"},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log level"},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log format"},
		{name: "exporter", mutate: func(c *Config) { c.Tracing.Exporter = "zipkin" }, wantErr: "trace exporter"},
		{name: "task timeout", mutate: func(c *Config) { c.Runtime.TaskTimeout = 0 }, wantErr: "task_timeout"},
		{name: "rate limit", mutate: func(c *Config) { c.Runtime.RateLimit = -1 }, wantErr: "rate_limit"},
		{
			name:    "metrics port collision",
			mutate:  func(c *Config) { c.ServerMode, c.Port, c.Metrics.Port = true, 8080, 8080 },
			wantErr: "collides",
		},
		{
			name:    "tls half configured",
			mutate:  func(c *Config) { c.TLS.Enabled, c.TLS.CertFile = true, "cert.pem" },
			wantErr: "tls.cert_file",
		},
		{
			name:    "advertise in client mode",
			mutate:  func(c *Config) { c.Directory.Advertise = "calc" },
			wantErr: "server mode",
		},
		{
			name: "advertise without redis",
			mutate: func(c *Config) {
				c.ServerMode = true
				c.Directory.Advertise = "calc"
			},
			wantErr: "redis_addr",
		},
		{
			name: "advertise",
			mutate: func(c *Config) {
				c.ServerMode = true
				c.Directory.Advertise = "calc"
				c.Directory.RedisAddr = "localhost:6379"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	cfg, err := Load(newFlags(t, "-s", "-p", "4242"))
	require.NoError(t, err)
	cfg.Runtime.TaskTimeout = 1500 * time.Millisecond
	cfg.Directory.Advertise = "calc"
	cfg.Directory.RedisAddr = "localhost:6379"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "task_timeout: 1.5s")

	loaded, err := Load(newFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}

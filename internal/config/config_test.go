// ABOUTME: Tests for configuration loading
// ABOUTME: Covers YAML parsing, env expansion, durations and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
server:
  addr: "127.0.0.1:8080"
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "test-secret"
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/tmp/relay.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  addr: "0.0.0.0:9000"
database:
  path: "/var/lib/parley/relay.db"
auth:
  jwt_secret: "s3cret"
relay:
  write_timeout: "10s"
  ping_interval: "54s"
  pong_wait: "60s"
  request_timeout: "15s"
  max_message_bytes: 32768
  send_buffer: 128
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
  path: "/metrics"
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Relay.WriteTimeout)
	assert.Equal(t, 54*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Relay.PongWait)
	assert.Equal(t, 15*time.Second, cfg.Relay.RequestTimeout)
	assert.Equal(t, int64(32768), cfg.Relay.MaxMessageBytes)
	assert.Equal(t, 128, cfg.Relay.SendBuffer)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_SECRET", "expanded-secret")

	cfg, err := Load(writeConfig(t, `
server:
  addr: "127.0.0.1:8080"
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "${PARLEY_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not: valid"))
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
relay:
  ping_interval: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping_interval")
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing addr",
			content: `
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "x"
`,
			want: "server.addr",
		},
		{
			name: "missing database path",
			content: `
server:
  addr: "127.0.0.1:8080"
auth:
  jwt_secret: "x"
`,
			want: "database.path",
		},
		{
			name: "missing jwt secret",
			content: `
server:
  addr: "127.0.0.1:8080"
database:
  path: "/tmp/relay.db"
`,
			want: "auth.jwt_secret",
		},
		{
			name: "ping interval not shorter than pong wait",
			content: minimalConfig + `
relay:
  ping_interval: "60s"
  pong_wait: "60s"
`,
			want: "ping_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

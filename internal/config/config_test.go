package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

const minimalYAML = `
server:
  port: 9090
  auth: tok
backend:
  pool:
    strategy: round_robin
    instances:
      - name: inst1
        userDataMark: a
        workers:
          - name: w1
            type: alpha
`

func TestLoad_AppliesDefaultsAndYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "tok", cfg.Server.Auth)
	assert.Equal(t, "comment", cfg.Server.Keepalive.Mode)
	assert.Equal(t, "round_robin", cfg.Backend.Pool.Strategy)
	assert.True(t, cfg.Backend.Pool.Failover.Enabled)
	assert.Equal(t, 2, cfg.Backend.Pool.Failover.MaxRetries)
	assert.NotEmpty(t, cfg.Queue.TempDir)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("CORE_SERVER_PORT", "7777")
	t.Setenv("CORE_SERVER_AUTH", "env-token")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.Server.Auth)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_RejectsBadStrategy(t *testing.T) {
	_, err := Load(writeConfig(t, `
backend:
  pool:
    strategy: fastest
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")
}

func TestValidate_RejectsBadKeepaliveMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  keepalive:
    mode: pings
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keepalive")
}

func TestValidate_RejectsDuplicateWorkerNames(t *testing.T) {
	_, err := Load(writeConfig(t, `
backend:
  pool:
    instances:
      - name: inst1
        userDataMark: a
        workers:
          - name: w1
            type: alpha
      - name: inst2
        userDataMark: b
        workers:
          - name: w1
            type: beta
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate worker name")
}

func TestValidate_MergeRequiresMergeTypes(t *testing.T) {
	_, err := Load(writeConfig(t, `
backend:
  pool:
    instances:
      - name: inst1
        userDataMark: a
        workers:
          - name: w1
            type: merge
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mergeTypes")
}

func TestValidate_RejectsBadModelFilterMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
backend:
  adapter:
    alpha:
      modelFilter:
        mode: greylist
        list: [m1]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modelFilter.mode")
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  port: -1
queue:
  queueBuffer: -2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "queueBuffer")
}

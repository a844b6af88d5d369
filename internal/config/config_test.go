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
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, NewValidator().Validate(DefaultConfig()))
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
engine:
  or_join_timeout: 30s
  max_steps_per_event: 50
  missing_instance_data: FAIL
store:
  enabled: true
  path: /tmp/cases.db
log:
  level: debug
  format: json
`)
	cfg, err := NewConfigLoader(nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Engine.OrJoinTimeout)
	assert.Equal(t, 50, cfg.Engine.MaxStepsPerEvent)
	assert.Equal(t, "fail", cfg.Engine.MissingInstanceData)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, "/tmp/cases.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	// keys absent from the file keep their defaults
	assert.Equal(t, 64, cfg.Engine.RequestBuffer)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NETFLOW_ENGINE_OR_JOIN_TIMEOUT", "2m")
	t.Setenv("NETFLOW_SERVER_ADDR", ":7070")

	cfg, err := NewConfigLoader(nil).LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Engine.OrJoinTimeout)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadInterpolatesPaths(t *testing.T) {
	t.Setenv("NETFLOW_TEST_DATA", "/var/lib/netflow")
	path := writeConfig(t, `
store:
  path: ${NETFLOW_TEST_DATA}/cases.db
specs:
  dir: ${NETFLOW_TEST_UNSET}/specs
`)
	cfg, err := NewConfigLoader(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/netflow/cases.db", cfg.Store.Path)
	assert.Equal(t, "${NETFLOW_TEST_UNSET}/specs", cfg.Specs.Dir)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"policy", "engine:\n  missing_instance_data: guess\n", "missinginstancedata"},
		{"steps", "engine:\n  max_steps_per_event: 0\n", "maxstepsperevent"},
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"store path", "store:\n  enabled: true\n  path: \"\"\n", "store.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfigLoader(nil).Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewConfigLoader(nil).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

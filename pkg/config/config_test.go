package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "gridweave.convert.jobs", cfg.JobSubject)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridweave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 9090
workers: 8
nats_url: nats://broker:4222
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
	// Unset keys keep defaults.
	assert.Equal(t, "gridweave.convert.jobs", cfg.JobSubject)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridweave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9090\n"), 0o644))
	t.Setenv("GRIDWEAVE_HTTP_PORT", "7070")
	t.Setenv("GRIDWEAVE_NEO4J_USER", "ops")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, "ops", cfg.Neo4jUser)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridweave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: -1\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridweave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

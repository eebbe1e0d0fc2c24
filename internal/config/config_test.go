package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/processor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, bridge.DefaultInterpreter, c.Interpreter)
	assert.Equal(t, bridge.DefaultAddressFlag, c.AddressFlag)
	assert.Equal(t, bridge.DefaultConnectTimeout, c.ConnectTimeout)
	assert.Zero(t, c.RequestTimeout)
	assert.Equal(t, "info", c.LogLevel)
	assert.Empty(t, c.Bindings)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("CELLBRIDGE_MODULE", "/opt/cp/cellprofiler.py")
	t.Setenv("CELLBRIDGE_REQUEST_TIMEOUT", "90s")
	t.Setenv("CELLBRIDGE_SKIP_FAILED", "true")
	t.Setenv("CELLBRIDGE_BIND", "DNA=OrigDNA Protein=OrigProt")
	t.Setenv("CELLBRIDGE_DB", "postgres://lab/cells")

	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "/opt/cp/cellprofiler.py", c.ModulePath)
	assert.Equal(t, 90*time.Second, c.RequestTimeout)
	assert.True(t, c.SkipFailed)
	assert.Equal(t, "postgres://lab/cells", c.DatabaseURL)
	assert.Equal(t, []processor.Binding{
		{Channel: "DNA", Column: "OrigDNA"},
		{Channel: "Protein", Column: "OrigProt"},
	}, c.Bindings)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
module: /opt/cp/cellprofiler.py
pipeline: nuclei.cppipe
interpreter-args: ["-u"]
bind:
  - DNA=dna_path
merge: true
connect-timeout: 5s
`), 0o644))

	v := New()
	require.NoError(t, ReadFile(v, path))
	v.Set(KeyMerge, false) // flags win over the file

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "nuclei.cppipe", c.PipelinePath)
	assert.Equal(t, []string{"-u"}, c.InterpreterArgs)
	assert.Equal(t, 5*time.Second, c.ConnectTimeout)
	assert.False(t, c.Merge)
	require.Len(t, c.Bindings, 1)
	assert.Equal(t, "dna_path", c.Bindings[0].Column)

	err = ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, bridge.ErrConfiguration)
	assert.NoError(t, ReadFile(New(), ""))
}

func TestLoadBadBinding(t *testing.T) {
	v := New()
	v.Set(KeyBind, []string{"DNA"})
	_, err := Load(v)
	assert.ErrorIs(t, err, bridge.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	pipeline := filepath.Join(dir, "p.cppipe")
	require.NoError(t, os.WriteFile(pipeline, []byte("x"), 0o644))

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"Valid", Config{ModulePath: "m.py", PipelinePath: pipeline}, false},
		{"No module", Config{PipelinePath: pipeline}, true},
		{"No pipeline", Config{ModulePath: "m.py"}, true},
		{"Missing pipeline", Config{ModulePath: "m.py", PipelinePath: filepath.Join(dir, "nope")}, true},
		{"Pipeline is a directory", Config{ModulePath: "m.py", PipelinePath: dir}, true},
		{"Negative timeout", Config{ModulePath: "m.py", PipelinePath: pipeline, RequestTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, bridge.ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBridge(t *testing.T) {
	logger := zerolog.Nop()
	c := Config{Interpreter: "python3", ModulePath: "m.py", RequestTimeout: time.Minute}
	b := c.Bridge(&logger)
	assert.Equal(t, "python3", b.Interpreter)
	assert.Equal(t, "m.py", b.ModulePath)
	assert.Equal(t, time.Minute, b.RequestTimeout)
	assert.Same(t, &logger, b.Logger)
}

func TestResolveDatabaseURL(t *testing.T) {
	assert.Equal(t, "postgres://x/y", ResolveDatabaseURL("postgres://x/y"))

	t.Setenv("POSTGRES_HOST", "")
	assert.Equal(t, DefaultDatabaseURL, ResolveDatabaseURL(""))

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "cells")
	t.Setenv("POSTGRES_PORT", "")
	assert.Equal(t, "postgres://u:p@db:5432/cells", ResolveDatabaseURL(""))
}

package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Settings{LogFormat: "text"}, s)
	assert.Len(t, s.LoggerOptions(), 1)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envprep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-format: json\ndebug: true\ncontroller-dir: /from/file\n"), 0644))

	t.Setenv("ENVPREP_CONTROLLER_DIR", "/from/env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(KeyLogFormat, "text", "")
	flags.Bool(KeyDebug, false, "")
	flags.Bool(KeyQuiet, false, "")
	require.NoError(t, flags.Parse([]string{"--quiet"}))

	loader := NewLoader(path)
	require.NoError(t, loader.BindFlags(flags))
	s, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "json", s.LogFormat, "file wins over an unset flag default")
	assert.True(t, s.Debug)
	assert.True(t, s.Quiet, "flag")
	assert.Equal(t, "/from/env", s.ControllerDir, "environment wins over file")
	assert.Len(t, s.LoggerOptions(), 3)
}

func TestLoadErrors(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)

	t.Setenv("ENVPREP_LOG_FORMAT", "xml")
	_, err = NewLoader("").Load()
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Enclosure-Core/internal/errors"
)

func runValidate(t *testing.T, path string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path})
	t.Cleanup(func() {
		configPath = ""
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateSampleConfiguration(t *testing.T) {
	t.Setenv("ENCLOSURE_BUS_DRIVER", "")
	out, err := runValidate(t, filepath.Join("..", "..", "configs", "enclosure.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 6 plugins, 3 triggers, 2 schedule entries")
}

func TestValidateReportsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclosure.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins:\n  - id: fan\n    kind: blower\n"), 0o600))

	_, err := runValidate(t, path)
	require.Error(t, err)
	assert.Equal(t, 1, xerrors.ExitCodeOf(err))
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("ENCLOSURE_CONFIG", "")
	assert.Equal(t, "configs/enclosure.yaml", resolveConfigPath())

	t.Setenv("ENCLOSURE_CONFIG", "/etc/enclosure.yaml")
	assert.Equal(t, "/etc/enclosure.yaml", resolveConfigPath())

	configPath = "local.yaml"
	t.Cleanup(func() { configPath = "" })
	assert.Equal(t, "local.yaml", resolveConfigPath())
}

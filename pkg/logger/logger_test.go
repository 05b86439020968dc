package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "daemon.log")
	audit := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{out},
		Audit:       AuditConfig{Enabled: true, Path: audit},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("router").Debug("delivered", "target", "lamp", "error", "none")
	Audit().Info("runlevel", "plugin", "lamp", "to", "running")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line))
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "lamp", line["target"])
	assert.Equal(t, "none", line["err"])
	assert.NotContains(t, line, "error")

	auditRaw, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(auditRaw), `"stream":"audit"`)
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
	assert.NotNil(t, L())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("Debug").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}

package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestConfigYAML is the config written by SetupTestDir.
const TestConfigYAML = `server:
  api_url: http://127.0.0.1:8480
  ws_url: ws://127.0.0.1:8480/ws
reconnect:
  max_attempts: 5
  delay: 3s
heartbeat:
  interval: 30s
  missed_threshold: 2
poll:
  interval: 5s
log:
  level: warn
`

// SetupTestDir creates a temporary directory with the .mpcwatch directory
// structure: a config.yaml with test defaults and a .env holding a
// placeholder token. The directory is removed when the test completes.
func SetupTestDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	WriteTestFile(t, tmpDir, filepath.Join(".mpcwatch", "config.yaml"), []byte(TestConfigYAML))
	WriteTestFile(t, tmpDir, filepath.Join(".mpcwatch", ".env"), []byte("MPCWATCH_TOKEN=test-token\nMPCWATCH_USER=test-user\n"))
	return tmpDir
}

// MustMarshalJSON marshals a value to JSON, failing the test on error.
// Uses indented format for readability.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals JSON data into v, failing the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, content, 0644))
}

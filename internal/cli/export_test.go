package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/mockserver"
)

func TestExportCommand(t *testing.T) {
	ms, url := startMockServer(t, mockserver.Config{})
	_, ok := ms.SetStatus("done", "completed", "")
	require.True(t, ok)
	_, ok = ms.SetStatus("busy", "processing", "")
	require.True(t, ok)

	t.Run("writes csv to the output directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "exports")
		out, _, err := executeCommand(t, serviceArgs(t, url, "export", "done", "--format", "csv", "--output", dir)...)
		require.NoError(t, err)

		path := filepath.Join(dir, "job-done-result.csv")
		assert.Contains(t, out, "Wrote "+path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "key,value\naggregate.count,3\naggregate.mean,41.5\n", string(data))
	})

	t.Run("writes json to stdout", func(t *testing.T) {
		out, _, err := executeCommand(t, serviceArgs(t, url, "export", "done", "--output", "-")...)
		require.NoError(t, err)
		assert.JSONEq(t, string(mockserver.DefaultResult), out)
	})

	t.Run("job not completed", func(t *testing.T) {
		_, _, err := executeCommand(t, serviceArgs(t, url, "export", "busy", "--output", t.TempDir())...)
		var serr *api.StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, 409, serr.Code)
	})
}

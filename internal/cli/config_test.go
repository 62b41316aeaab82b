package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

func TestConfigCommands(t *testing.T) {
	t.Run("should write defaults with init", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")

		out, err := runCLI(t, "config", "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration saved to")

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("should refuse to overwrite without force", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

		_, err := runCLI(t, "config", "init", "--config", path)
		assert.Error(t, err)
	})

	t.Run("should pass check for a valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"port": 9000, "shared_secret": "hush"}}`), 0644))

		out, err := runCLI(t, "config", "check", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration OK")
		assert.NotContains(t, out, "hush")
	})

	t.Run("should list problems for an invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"session": {"backend": "s3"}, "logging": {"level": "loud"}}`), 0644))

		out, err := runCLI(t, "config", "check", "--config", path)
		require.Error(t, err)
		assert.Contains(t, out, "invalid session backend")
		assert.Contains(t, out, "invalid log level")
	})
}

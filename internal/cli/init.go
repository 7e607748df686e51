package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/mpcwatch/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .mpcwatch/ directory",
	Long: `Creates the .mpcwatch/ directory with default configuration files.

This command sets up:
  - config.yaml with the job service location and sync tuning
  - .env with placeholders for the access token and user id
  - .gitignore keeping .env out of version control`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing configuration")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	base, err := baseDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(base, config.DirName)

	existed := dirExists(dir)
	if existed && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", config.DirName)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{"config.yaml", configYAMLContent, 0644},
		{".env", envFileContent, 0600},
		{".gitignore", gitignoreContent, 0644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	if existed {
		fmt.Fprintf(cmd.OutOrStdout(), "Overwrote %s/ configuration\n", config.DirName)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/ directory\n", config.DirName)
	}
	return nil
}

// dirExists checks if a directory exists
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

const configYAMLContent = `# mpcwatch configuration

server:
  # Base URL of the job service
  api_url: http://localhost:8480
  # Push channel endpoint. Derived from api_url when empty.
  # ws_url: ws://localhost:8480/ws

reconnect:
  # Attempts before the push channel gives up and waits for a manual retry
  max_attempts: 5
  delay: 3s

heartbeat:
  # A ping is sent every interval; missing missed_threshold pongs in a row
  # drops the connection
  interval: 30s
  missed_threshold: 2

poll:
  interval: 5s
  fetch_timeout: 10s
  # Stop polling a job after this many failed fetches in a row (0: never)
  max_consecutive_failures: 0

log:
  level: warn
`

const envFileContent = `# mpcwatch credentials (gitignored)
# Variables set in the environment take precedence.

MPCWATCH_TOKEN="..."
MPCWATCH_USER="..."
`

const gitignoreContent = `# Credentials
.env
`

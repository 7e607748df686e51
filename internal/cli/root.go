package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mpcwatch",
	Short: "Watch multi-party secure computation jobs",
	Long: `mpcwatch follows secure computation jobs run by a remote job service.
It keeps a push channel open for realtime updates and polls each tracked job
as a fallback, merging both into one view of status, participants and results.`,
	SilenceUsage: true,
}

var (
	rootDir      string
	rootLogLevel string
)

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("mpcwatch version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", "", "project directory holding .mpcwatch/ (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level: debug, info, warn or error (overrides log.level)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

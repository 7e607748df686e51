package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thruflo/mpcwatch/internal/logging"
	"github.com/thruflo/mpcwatch/internal/mockserver"
)

const testToken = "test-token"

// executeCommand runs the root command with args and returns what it wrote
// to stdout and stderr. Flag values left over from earlier runs are reset
// first, since commands bind them to package variables.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// startMockServer serves a scripted job service for the duration of the test.
func startMockServer(t *testing.T, cfg mockserver.Config) (*mockserver.Server, string) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	cfg.Logger = logging.Discard()
	ms := mockserver.New(cfg)
	srv := httptest.NewServer(ms.Handler())
	t.Cleanup(srv.Close)
	return ms, srv.URL
}

// serviceArgs points a command at url with the test credential and an
// empty project directory.
func serviceArgs(t *testing.T, url string, args ...string) []string {
	t.Helper()
	return append(args, "--dir", t.TempDir(), "--api-url", url, "--token", testToken, "--user", "test-user")
}

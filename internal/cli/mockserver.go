package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/mpcwatch/internal/logging"
	"github.com/thruflo/mpcwatch/internal/mockserver"
)

var (
	mockAddr           string
	mockToken          string
	mockScript         []string
	mockJobs           []string
	mockAdvanceOnPoll  bool
	mockStepInterval   time.Duration
	mockHealthInterval time.Duration
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a scripted job service for development",
	Long: `Serves the push channel, the status endpoint and the export endpoint
for jobs that walk through a scripted sequence of statuses. Jobs are created
on first reference.

Admin endpoints under /admin/ set job status, broadcast notices and health
reports, and ask clients to reconnect.`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

func init() {
	f := mockServerCmd.Flags()
	f.StringVar(&mockAddr, "addr", ":8480", "listen address")
	f.StringVar(&mockToken, "token", "", "accepted access token (default: any non-empty token)")
	f.StringSliceVar(&mockScript, "script", nil, "status sequence each job walks through (default: "+fmt.Sprint(mockserver.DefaultScript)+")")
	f.StringSliceVar(&mockJobs, "jobs", nil, "restrict the server to these job ids")
	f.BoolVar(&mockAdvanceOnPoll, "advance-on-poll", false, "advance a job one step each time its status is fetched")
	f.DurationVar(&mockStepInterval, "step-interval", 10*time.Second, "advance every job on this interval (0 disables)")
	f.DurationVar(&mockHealthInterval, "health-interval", 15*time.Second, "broadcast a health report on this interval (0 disables)")
	rootCmd.AddCommand(mockServerCmd)
}

func runMockServer(cmd *cobra.Command, args []string) error {
	levelName := rootLogLevel
	if levelName == "" {
		levelName = "info"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}

	srv := mockserver.New(mockserver.Config{
		Addr:           mockAddr,
		Token:          mockToken,
		Script:         mockScript,
		Jobs:           mockJobs,
		AdvanceOnPoll:  mockAdvanceOnPoll,
		StepInterval:   mockStepInterval,
		HealthInterval: mockHealthInterval,
		RateLimit:      mockserver.DefaultRateLimitConfig(),
		Logger:         logging.NewWithWriter(cmd.ErrOrStderr(), level),
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}

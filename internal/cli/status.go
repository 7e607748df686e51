package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/tui"
)

var (
	statusConn connFlags
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID...",
	Short: "Show the current status of jobs",
	Long: `Fetches each job's status once from the status endpoint and prints it
normalized, with its participants. Nothing is tracked and the push channel
is not opened.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStatus,
}

func init() {
	addConnFlags(statusCmd, &statusConn)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}

// statusRow is one job in the status output.
type statusRow struct {
	ID           string             `json:"id"`
	Status       jobs.Status        `json:"status,omitempty"`
	RawStatus    string             `json:"raw_status,omitempty"`
	Participants []jobs.Participant `json:"participants,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	// Error is set when the status could not be fetched.
	Error string `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, &statusConn)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := fetchStatuses(ctx, env.apiClient(env.cfg.Poll.FetchTimeout), dedupe(args))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		printStatusTable(out, rows)
	}

	var failed int
	for _, r := range rows {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to fetch %d of %d jobs", failed, len(rows))
	}
	return nil
}

// fetchStatuses fetches every job in order. An authentication failure
// aborts; other failures are reported on the row.
func fetchStatuses(ctx context.Context, client *api.Client, ids []string) ([]statusRow, error) {
	rows := make([]statusRow, 0, len(ids))
	for _, id := range ids {
		resp, err := client.JobStatus(ctx, id)
		if err != nil {
			if api.IsAuthError(err) {
				return nil, fmt.Errorf("status endpoint rejected credential: %w", err)
			}
			rows = append(rows, statusRow{ID: id, Error: err.Error()})
			continue
		}
		rows = append(rows, statusRow{
			ID:           id,
			Status:       jobs.Normalize(resp.Status),
			RawStatus:    resp.Status,
			Participants: resp.Participants,
			Result:       resp.Result,
			ErrorMessage: resp.ErrorMessage,
		})
	}
	return rows, nil
}

func printStatusTable(out io.Writer, rows []statusRow) {
	idWidth := len("JOB")
	statusWidth := len("STATUS")
	for _, r := range rows {
		idWidth = max(idWidth, len(r.ID))
		statusWidth = max(statusWidth, len(r.Status))
	}

	fmt.Fprintf(out, "%-*s  %-*s  %-10s  %s\n", idWidth, "JOB", statusWidth, "STATUS", "JOINED", "DETAIL")
	fmt.Fprintf(out, "%s  %s  %s  %s\n",
		strings.Repeat("-", idWidth), strings.Repeat("-", statusWidth), strings.Repeat("-", 10), strings.Repeat("-", 6))
	for _, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(out, "%-*s  %-*s  %-10s  %s\n", idWidth, r.ID, statusWidth, "-", "-", r.Error)
			continue
		}
		joined := fmt.Sprintf("%d/%d", approvedCount(r.Participants), len(r.Participants))
		fmt.Fprintf(out, "%-*s  %-*s  %-10s  %s\n", idWidth, r.ID, statusWidth, r.Status, joined, statusDetail(r))
	}

	for _, r := range rows {
		if len(r.Participants) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s participants:\n", r.ID)
		for _, line := range tui.ParticipantLines(jobs.Job{Participants: r.Participants}) {
			fmt.Fprintln(out, line)
		}
	}
}

func statusDetail(r statusRow) string {
	var parts []string
	if r.Status == jobs.StatusUnknown && r.RawStatus != "" {
		parts = append(parts, "service status "+r.RawStatus)
	}
	if r.ErrorMessage != "" {
		parts = append(parts, "error: "+r.ErrorMessage)
	}
	if r.Status == jobs.StatusCompleted && len(r.Result) > 0 {
		parts = append(parts, "result ready")
	}
	return strings.Join(parts, "; ")
}

func approvedCount(ps []jobs.Participant) int {
	n := 0
	for _, p := range ps {
		if p.JoinStatus == jobs.JoinApproved {
			n++
		}
	}
	return n
}

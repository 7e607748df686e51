package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/session"
	"github.com/thruflo/mpcwatch/internal/stream"
)

// PadOrTruncate pads or truncates a string to exactly width characters.
// Uses visual width (rune count) for proper Unicode handling.
func PadOrTruncate(s string, width int) string {
	if width <= 0 {
		return ""
	}

	runeLen := utf8.RuneCountInString(s)
	if runeLen == width {
		return s
	}
	if runeLen < width {
		return s + strings.Repeat(" ", width-runeLen)
	}
	return Truncate(s, width)
}

// Truncate truncates a string to max width, adding ellipsis if needed.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= width {
		return s
	}

	if width >= 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

// Style applies ANSI style codes to text.
func Style(s string, codes ...string) string {
	if len(codes) == 0 {
		return s
	}
	return strings.Join(codes, "") + s + Reset
}

// StatusColor returns an appropriate color code for the given status.
func StatusColor(status jobs.Status) string {
	switch status {
	case jobs.StatusInProgress:
		return FgCyan
	case jobs.StatusCompleted:
		return FgBrightGreen
	case jobs.StatusFailed:
		return FgRed
	case jobs.StatusPendingApproval:
		return FgYellow
	default:
		return FgBrightBlack
	}
}

// StatusText is the display text for a job's status. Unrecognized service
// statuses are shown verbatim next to Unknown.
func StatusText(j jobs.Job) string {
	if !j.Loaded() {
		return "loading"
	}
	if j.Status == jobs.StatusUnknown && j.RawStatus != "" {
		return fmt.Sprintf("%s (%s)", j.Status, j.RawStatus)
	}
	return string(j.Status)
}

// statusColumn is wide enough for every canonical status.
const statusColumn = 16

// JobLine renders the one-line summary of a job.
func JobLine(j jobs.Job, idWidth int, color bool) string {
	status := PadOrTruncate(StatusText(j), statusColumn)
	if color {
		status = Style(status, StatusColor(j.Status), Bold)
	}
	parts := []string{PadOrTruncate(j.ID, idWidth), status}

	if n := len(j.Participants); n > 0 {
		approved := 0
		for _, p := range j.Participants {
			if p.JoinStatus == jobs.JoinApproved {
				approved++
			}
		}
		parts = append(parts, fmt.Sprintf("%d/%d joined", approved, n))
	}
	if j.Status == jobs.StatusCompleted && len(j.Result) > 0 {
		parts = append(parts, "result ready")
	}
	if j.ErrorMessage != "" {
		parts = append(parts, "error: "+j.ErrorMessage)
	}
	if j.LastFetchError != "" {
		msg := "poll: " + j.LastFetchError
		if color {
			msg = Style(msg, FgYellow)
		}
		parts = append(parts, msg)
	}
	if !j.Active {
		parts = append(parts, "(untracked)")
	}
	return strings.Join(parts, "  ")
}

// ParticipantLines lists a job's participants, one per line.
func ParticipantLines(j jobs.Job) []string {
	lines := make([]string, 0, len(j.Participants))
	for _, p := range j.Participants {
		name := p.DisplayName
		if name == "" {
			name = p.OrgID
		}
		line := fmt.Sprintf("    %s (%s)", name, p.JoinStatus)
		if p.JoinedAt != nil {
			line += " since " + p.JoinedAt.UTC().Format(time.RFC3339)
		}
		lines = append(lines, line)
	}
	return lines
}

// IndicatorLine renders connection health.
func IndicatorLine(ind session.Indicator, color bool) string {
	var state, code string
	switch ind.State {
	case stream.StateConnected:
		state, code = "connected", FgGreen
		if ind.HasRTT {
			state += fmt.Sprintf(" (rtt %s)", ind.Latency.Round(time.Millisecond))
		}
	case stream.StateConnecting:
		state, code = "connecting", FgYellow
	case stream.StateReconnecting:
		state, code = fmt.Sprintf("reconnecting (attempt %d/%d)", ind.Attempt, ind.MaxAttempts), FgYellow
	case stream.StateErrored:
		state, code = "offline", FgRed
	default:
		state, code = "disconnected", FgBrightBlack
	}
	if color {
		state = Style(state, code)
	}

	line := "push: " + state
	if len(ind.Health) > 0 {
		keys := make([]string, 0, len(ind.Health))
		for k := range ind.Health {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]string, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, fmt.Sprintf("%s=%v", k, ind.Health[k]))
		}
		line += "  server: " + strings.Join(fields, " ")
	}
	return line
}

// NoticeLine renders a broadcast notice.
func NoticeLine(n stream.Notice) string {
	if n.Level != "" {
		return fmt.Sprintf("notice [%s]: %s", n.Level, n.Message)
	}
	return "notice: " + n.Message
}

// FatalLine renders the blocking notice shown when the session needs a
// manual retry.
func FatalLine(err error, interactive bool) string {
	if interactive {
		return fmt.Sprintf("Sync stopped: %v. Press r to retry or q to quit.", err)
	}
	return fmt.Sprintf("Sync stopped: %v. Re-run to retry.", err)
}

// Model is everything one frame of the display shows.
type Model struct {
	Jobs      []jobs.Job
	Indicator session.Indicator
}

// Render renders a full frame.
func Render(m Model, width int, color, interactive bool) []string {
	idWidth := len("JOB")
	for _, j := range m.Jobs {
		idWidth = max(idWidth, utf8.RuneCountInString(j.ID))
	}

	lines := []string{IndicatorLine(m.Indicator, color), ""}
	if len(m.Jobs) == 0 {
		lines = append(lines, "No jobs tracked.")
	}
	for _, j := range m.Jobs {
		lines = append(lines, JobLine(j, idWidth, color))
		lines = append(lines, ParticipantLines(j)...)
	}
	if m.Indicator.NoticeSeq > 0 {
		lines = append(lines, "", NoticeLine(m.Indicator.Notice))
	}
	if m.Indicator.Fatal != nil {
		fatal := FatalLine(m.Indicator.Fatal, interactive)
		if color {
			fatal = Style(fatal, FgRed, Bold)
		}
		lines = append(lines, "", fatal)
	}
	if width > 0 && !color {
		for i, l := range lines {
			lines[i] = Truncate(l, width)
		}
	}
	return lines
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/poll"
	"github.com/thruflo/mpcwatch/internal/session"
	"github.com/thruflo/mpcwatch/internal/stream"
	"github.com/thruflo/mpcwatch/internal/tui"
)

var (
	watchConn         connFlags
	watchPollInterval time.Duration
	watchPlain        bool
	watchFollow       bool
)

var watchCmd = &cobra.Command{
	Use:   "watch JOB_ID...",
	Short: "Follow jobs until they finish",
	Long: `Tracks the given jobs over the push channel and the status endpoint and
shows their status, participants, connection health and service notices.

On a terminal the view redraws in place: press r to retry after sync stops
and q to quit. Otherwise a line is printed for every change.

Exits once every job is terminal: with status 0 if all completed and
non-zero if any failed. Use --follow to keep watching instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	addConnFlags(watchCmd, &watchConn)
	watchCmd.Flags().DurationVar(&watchPollInterval, "poll-interval", 0, "status poll interval (overrides poll.interval)")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print changes line by line even on a terminal")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "keep watching after every job is terminal")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, &watchConn)
	if err != nil {
		return err
	}
	if watchPollInterval > 0 {
		env.cfg.Poll.Interval = watchPollInterval
	}
	cfg := env.cfg

	s, err := session.New(session.Options{
		PushURL:              cfg.Server.PushURL(),
		Token:                env.creds.Token,
		UserID:               env.creds.UserID,
		Metadata:             map[string]string{"client": "mpcwatch/" + Version},
		Dialer:               stream.NewWebsocketDialer(),
		Fetcher:              env.apiClient(0),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectDelay:       cfg.Reconnect.Delay,
		PingInterval:         cfg.Heartbeat.Interval,
		MissedThreshold:      cfg.Heartbeat.MissedThreshold,
		Poll: poll.Options{
			Interval:     cfg.Poll.Interval,
			FetchTimeout: cfg.Poll.FetchTimeout,
			MaxFailures:  cfg.Poll.MaxConsecutiveFailures,
		},
		Logger: env.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	term := tui.NewTerminal(out)
	w := &watcher{
		session:     s,
		term:        term,
		notifier:    tui.NewNotifier(out),
		interactive: !watchPlain && term.Interactive(),
		follow:      watchFollow,
		refresh:     time.Second,
	}
	return w.run(ctx, args)
}

// watcher drives a session and draws it until the tracked jobs finish or
// the user quits.
type watcher struct {
	session     *session.Session
	term        *tui.Terminal
	notifier    *tui.Notifier
	interactive bool
	follow      bool
	// refresh redraws periodically so latency and ages stay current.
	refresh time.Duration

	display  *tui.Display
	notified map[string]bool
}

func (w *watcher) run(ctx context.Context, ids []string) error {
	w.display = tui.NewDisplay(w.term, w.interactive)
	w.notified = make(map[string]bool)

	changes, unsubscribe := w.session.Store().Subscribe(64)
	defer unsubscribe()

	for _, id := range dedupe(ids) {
		if err := w.session.Track(id); err != nil {
			return err
		}
	}
	if err := w.session.Connect(); err != nil {
		return err
	}

	var keys <-chan tui.KeyEvent
	if w.interactive {
		if err := w.term.EnterRaw(); err != nil {
			return err
		}
		defer w.term.ExitRaw()
		keys = readKeys(w.term)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := w.session.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer w.session.Close()
		return w.render(gctx, changes, keys)
	})
	return g.Wait()
}

// render redraws on every change and decides when watching is over.
func (w *watcher) render(ctx context.Context, changes <-chan jobs.Change, keys <-chan tui.KeyEvent) error {
	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	w.display.Start()
	defer w.display.Close()

	for {
		m := tui.Model{Jobs: w.session.Store().Jobs(), Indicator: w.session.Indicator()}
		w.display.Draw(m)
		w.notifyFinished(m.Jobs)
		if done, err := finished(m.Jobs); done && !w.follow {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-w.session.Changed():
		case <-ticker.C:
		case err := <-w.session.Fatal():
			_ = w.notifier.NotifyForReason(tui.NotifyReasonDisconnected, "the job service", w.interactive)
			if !w.interactive {
				w.display.Draw(tui.Model{Jobs: w.session.Store().Jobs(), Indicator: w.session.Indicator()})
				return fmt.Errorf("sync stopped: %w", err)
			}
		case k, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			switch {
			case k.Key == tui.KeyCtrlC, k.Key == tui.KeyRune && (k.Rune == 'q' || k.Rune == 'Q'):
				return nil
			case k.Key == tui.KeyRune && (k.Rune == 'r' || k.Rune == 'R'):
				if w.session.Indicator().Fatal != nil {
					_ = w.session.Retry()
				}
			}
		}
	}
}

func (w *watcher) notifyFinished(all []jobs.Job) {
	for _, j := range all {
		if !j.Status.IsTerminal() || w.notified[j.ID] {
			continue
		}
		w.notified[j.ID] = true
		reason := tui.NotifyReasonCompleted
		if j.Status == jobs.StatusFailed {
			reason = tui.NotifyReasonFailed
		}
		_ = w.notifier.NotifyForReason(reason, j.ID, w.interactive)
	}
}

// finished reports whether every tracked job is terminal, and if so an
// error naming the jobs that failed.
func finished(all []jobs.Job) (bool, error) {
	var tracked int
	var failed []string
	for _, j := range all {
		if !j.Active {
			continue
		}
		tracked++
		if !j.Status.IsTerminal() {
			return false, nil
		}
		if j.Status == jobs.StatusFailed {
			msg := j.ID
			if j.ErrorMessage != "" {
				msg += " (" + j.ErrorMessage + ")"
			}
			failed = append(failed, msg)
		}
	}
	if tracked == 0 {
		return false, nil
	}
	if len(failed) > 0 {
		return true, fmt.Errorf("job failed: %s", strings.Join(failed, ", "))
	}
	return true, nil
}

// readKeys reads key presses until the input fails. The read cannot be
// interrupted, so the goroutine is left to exit with the process.
func readKeys(r io.Reader) <-chan tui.KeyEvent {
	ch := make(chan tui.KeyEvent)
	kr := tui.NewKeyReader(r)
	go func() {
		defer close(ch)
		for {
			k, err := kr.ReadKey()
			if err != nil {
				return
			}
			ch <- k
		}
	}()
	return ch
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

package tui

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// Notifier alerts the user when a watched job finishes or the session
// needs a manual retry. In the foreground it rings the terminal bell;
// otherwise it uses OS-native notifications.
type Notifier struct {
	out io.Writer
}

// NewNotifier creates a Notifier that writes bell to the given output.
func NewNotifier(out io.Writer) *Notifier {
	return &Notifier{out: out}
}

// Bell writes the terminal bell character to output.
func (n *Notifier) Bell() {
	fmt.Fprint(n.out, Bell)
}

// NotifyOS sends an OS-native notification.
// On macOS, this uses osascript to display a notification.
// On other platforms, this is a no-op.
func (n *Notifier) NotifyOS(title, message string) error {
	if runtime.GOOS != "darwin" {
		return nil
	}
	script := fmt.Sprintf(`display notification %q with title %q`, message, title)
	return exec.Command("osascript", "-e", script).Run()
}

// NotifyAttention rings the bell in the foreground and sends an OS
// notification otherwise.
func (n *Notifier) NotifyAttention(title, message string, isForeground bool) error {
	if isForeground {
		n.Bell()
		return nil
	}
	return n.NotifyOS(title, message)
}

// NotificationReason represents why a notification is being sent.
type NotificationReason int

const (
	NotifyReasonCompleted NotificationReason = iota
	NotifyReasonFailed
	NotifyReasonDisconnected
)

// String returns a human-readable title for the notification reason.
func (r NotificationReason) String() string {
	switch r {
	case NotifyReasonCompleted:
		return "Job Completed"
	case NotifyReasonFailed:
		return "Job Failed"
	case NotifyReasonDisconnected:
		return "Disconnected"
	default:
		return "mpcwatch"
	}
}

// DefaultMessage returns a default notification message for the reason.
func (r NotificationReason) DefaultMessage(subject string) string {
	switch r {
	case NotifyReasonCompleted:
		return fmt.Sprintf("Job %s completed", subject)
	case NotifyReasonFailed:
		return fmt.Sprintf("Job %s failed", subject)
	case NotifyReasonDisconnected:
		return fmt.Sprintf("Lost connection to %s; retry needed", subject)
	default:
		return fmt.Sprintf("%s needs attention", subject)
	}
}

// NotifyForReason sends a notification for the given reason.
func (n *Notifier) NotifyForReason(reason NotificationReason, subject string, isForeground bool) error {
	return n.NotifyAttention("mpcwatch: "+reason.String(), reason.DefaultMessage(subject), isForeground)
}

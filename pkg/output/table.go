package output

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/telekom/audit-relay/pkg/audit"
)

// QueueSnapshot is what `queue show` reports about a stored snapshot.
type QueueSnapshot struct {
	Key            string        `json:"key"`
	Found          bool          `json:"found"`
	SavedAt        time.Time     `json:"savedAt,omitempty"`
	Age            string        `json:"age,omitempty"`
	RecoveryWindow string        `json:"recoveryWindow"`
	Recoverable    bool          `json:"recoverable"`
	Entries        []audit.Entry `json:"entries"`
}

// WriteQueueTable prints a summary line followed by one row per entry.
func WriteQueueTable(w io.Writer, snap QueueSnapshot) {
	if !snap.Found {
		_, _ = fmt.Fprintf(w, "No snapshot stored under %q\n", snap.Key)
		return
	}
	status := "recoverable"
	if !snap.Recoverable {
		status = "stale, will be discarded on start"
	}
	_, _ = fmt.Fprintf(w, "Snapshot %q saved %s (age %s, window %s): %s, %d entries\n",
		snap.Key, formatTime(snap.SavedAt), snap.Age, snap.RecoveryWindow, status, len(snap.Entries))
	if len(snap.Entries) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "EVENT_ID\tKIND\tTYPE\tTIMESTAMP\tRETRIES\tENQUEUED\tDEVICE")
	for _, e := range snap.Entries {
		device := e.Event.DeviceInfo
		if device == "" {
			device = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Event.ID, e.Event.Kind, e.Event.Type, formatTime(e.Event.Timestamp), e.RetryCount, formatTime(e.EnqueuedAt), device)
	}
	_ = tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

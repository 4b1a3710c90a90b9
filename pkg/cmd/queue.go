package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/kvstore"
	"github.com/telekom/audit-relay/pkg/output"
	"github.com/telekom/audit-relay/pkg/relay"
)

func newQueueCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the durable queue snapshot",
	}
	cmd.AddCommand(newQueueShowCommand(rt), newQueueClearCommand(rt))
	return cmd
}

// queueClock is replaced in tests.
var queueClock clock.PassiveClock = clock.RealClock{}

func newQueueShowCommand(rt *runtimeState) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored queue snapshot and whether it would be restored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := output.ParseFormat(outputFormat)
			if err != nil {
				return err
			}
			auditCfg, err := rt.cfg.AuditConfig()
			if err != nil {
				return err
			}
			store, err := relay.OpenStore(cmd.Context(), rt.cfg.Store)
			if err != nil {
				return fmt.Errorf("open %s store: %w", rt.cfg.Store.Type, err)
			}
			defer func() { _ = store.Close() }()

			mirror := audit.NewMirror(store, auditCfg.SnapshotKey, auditCfg.RecoveryWindow, queueClock, nil, zap.NewNop())
			report := output.QueueSnapshot{
				Key:            auditCfg.SnapshotKey,
				RecoveryWindow: auditCfg.RecoveryWindow.String(),
			}
			snap, err := mirror.Read(cmd.Context())
			switch {
			case errors.Is(err, kvstore.ErrNotFound):
			case err != nil:
				return err
			default:
				age := snap.Age(queueClock.Now())
				report.Found = true
				report.SavedAt = snap.SavedAt
				report.Age = age.Round(time.Second).String()
				report.Recoverable = age <= auditCfg.RecoveryWindow
				report.Entries = snap.Entries
			}

			if format == output.FormatTable {
				output.WriteQueueTable(rt.Writer(), report)
				return nil
			}
			return output.WriteObject(rt.Writer(), format, report)
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: table, json, yaml")
	return cmd
}

func newQueueClearCommand(rt *runtimeState) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored queue snapshot; its undelivered events are lost",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to discard undelivered audit events without --yes")
			}
			store, err := relay.OpenStore(cmd.Context(), rt.cfg.Store)
			if err != nil {
				return fmt.Errorf("open %s store: %w", rt.cfg.Store.Type, err)
			}
			defer func() { _ = store.Close() }()

			key := rt.cfg.Store.SnapshotKey
			mirror := audit.NewMirror(store, key, 0, queueClock, nil, zap.NewNop())
			snap, err := mirror.Read(cmd.Context())
			if errors.Is(err, kvstore.ErrNotFound) {
				_, _ = fmt.Fprintf(rt.Writer(), "No snapshot stored under %q\n", key)
				return nil
			}
			discarded := "an unreadable snapshot"
			if err == nil {
				discarded = fmt.Sprintf("%d entries", len(snap.Entries))
			}
			if err := store.Delete(cmd.Context(), key); err != nil {
				return fmt.Errorf("delete snapshot %s: %w", key, err)
			}
			_, _ = fmt.Fprintf(rt.Writer(), "Deleted snapshot %q (%s)\n", key, discarded)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm discarding the stored events")
	return cmd
}

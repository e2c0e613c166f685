package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/memory"
	"github.com/BrendanShields/spec-flow/internal/metrics"
	"github.com/BrendanShields/spec-flow/internal/tools"
)

// ─── session ─────────────────────────────────────────────────────────────────

func newSessionCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the current session",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			s := e.mgr.GetCurrentSession()
			if s == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No active spec-flow session.")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatSession(*s, time.Now()))
			return nil
		},
	})
	return cmd
}

// ─── snapshot ────────────────────────────────────────────────────────────────

func newSnapshotCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list, restore and prune session snapshots",
		Args:  cobra.NoArgs,
	}

	var label string
	create := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.mgr.CreateSnapshot(cmd.Context(), label)
			if errors.Is(err, memory.ErrNoActiveSession) {
				return errors.New("no active session to snapshot")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	create.Flags().StringVar(&label, "label", "manual", "snapshot label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			snaps, err := e.mgr.ListSnapshots()
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No snapshots yet.")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatSnapshots(snaps, time.Now()))
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace the session with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.mgr.RestoreSnapshot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %s\n", args[0])
			return nil
		},
	}

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("days") {
				days = e.cfg.State.SnapshotRetentionDays
			}
			n, err := e.mgr.DeleteOldSnapshots(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d snapshot(s) older than %d days\n", n, days)
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 30, "retention in days (default: state.snapshot_retention_days)")

	cmd.AddCommand(create, list, restore, prune)
	return cmd
}

// ─── repair ──────────────────────────────────────────────────────────────────

func newRepairCmd(g *globalFlags) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Detect and optionally fix session inconsistencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.mgr.RepairState(cmd.Context(), apply)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatRepairReport(report, apply))
			if !report.Success {
				return errors.New("repair did not complete")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply fixes instead of a dry run")
	return cmd
}

// ─── history / metrics ───────────────────────────────────────────────────────

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		feature string
		stats   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded session changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			var entries []history.Entry
			if feature != "" {
				entries, err = e.mgr.GetFeatureHistory(feature)
			} else {
				entries, err = e.mgr.GetStateHistory(limit)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No history recorded yet.")
			} else {
				fmt.Fprint(out, tools.FormatHistory(entries, time.Now()))
			}
			if stats {
				st, err := e.mgr.GetHistoryStatistics()
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, tools.FormatStatistics(st, time.Now()))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of recent entries")
	cmd.Flags().StringVar(&feature, "feature", "", "only entries for this feature")
	cmd.Flags().BoolVar(&stats, "stats", false, "append statistics")
	return cmd
}

func newMetricsCmd(g *globalFlags) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarise session history and velocity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := metrics.ParsePeriod(period)
			if err != nil {
				return err
			}
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			m, err := e.mgr.GetSessionMetrics()
			if err != nil {
				return err
			}
			v, err := e.mgr.GetVelocityMetrics(p)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatMetrics(m))
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatVelocity(v))
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "week", "velocity window: day, week or month")
	return cmd
}

// ─── cleanup ─────────────────────────────────────────────────────────────────

func newCleanupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired transaction backups and stray temp files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			backups, temps, err := e.mgr.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s backup(s) older than %d days and %s temp file(s)\n",
				humanize.Comma(int64(backups)),
				int(e.cfg.State.BackupMaxAge.Hours()/24),
				humanize.Comma(int64(temps)))
			return nil
		},
	}
}

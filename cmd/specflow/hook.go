package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrendanShields/spec-flow/internal/hooks"
	"github.com/BrendanShields/spec-flow/internal/txn"
)

// hookTimeout bounds one hook run. Hooks must never block the host.
const hookTimeout = 10 * time.Second

func newHookCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Hook handlers called by the assistant host",
		Args:  cobra.NoArgs,
	}
	for _, event := range hooks.Events {
		sub := newHookEventCmd(g, event)
		sub.Hidden = true
		cmd.AddCommand(sub)
	}
	return cmd
}

func newHookEventCmd(g *globalFlags, event string) *cobra.Command {
	var args hooks.Args
	var tasksComplete, tasksTotal int
	cmd := &cobra.Command{
		Use:   event,
		Short: fmt.Sprintf("Run the %s hook", event),
		Args:  cobra.NoArgs,
		// Hook failures are logged, never returned: the host must not see
		// a non-zero exit for a state problem.
		Run: func(cmd *cobra.Command, _ []string) {
			if cmd.Flags().Changed("tasks-complete") {
				args.TasksComplete = &tasksComplete
			}
			if cmd.Flags().Changed("tasks-total") {
				args.TasksTotal = &tasksTotal
			}
			runHook(cmd.Context(), g, event, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.Phase, "phase", "", "target phase (track-transition)")
	f.StringVar(&args.Label, "label", "", "snapshot label (snapshot)")
	f.BoolVar(&args.Auto, "auto", false, "automatic milestone snapshot (snapshot)")
	f.BoolVar(&args.AutoFix, "auto-fix", false, "repair detected issues (validate-state)")
	f.IntVar(&tasksComplete, "tasks-complete", 0, "completed task count (subagent-stop)")
	f.IntVar(&tasksTotal, "tasks-total", 0, "total task count (subagent-stop)")
	return cmd
}

func runHook(ctx context.Context, g *globalFlags, event string, flagArgs hooks.Args) {
	in, err := hooks.ReadInput(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "specflow hook %s: %v\n", event, err)
		return
	}
	in.Args = mergeFlagArgs(in.Args, flagArgs)

	// A hook process exits long before any exporter would flush.
	txn.SetMetricsEnabled(false)

	e, err := openEnv(g, in.CWD, logOptions{quiet: true, logDir: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "specflow hook %s: %v\n", event, err)
		return
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	runner := hooks.NewRunner(e.mgr,
		hooks.WithLogger(e.log),
		hooks.WithRetentionDays(e.cfg.State.SnapshotRetentionDays))

	out, err := runner.Handle(ctx, event, in)
	if err != nil {
		e.log.Error("hook failed", "event", event, "error", err)
		return
	}
	if err := hooks.WriteOutput(os.Stdout, out); err != nil {
		e.log.Error("writing hook output", "event", event, "error", err)
	}
}

// mergeFlagArgs lets command-line flags override stdin arguments.
func mergeFlagArgs(in, flags hooks.Args) hooks.Args {
	if flags.Phase != "" {
		in.Phase = flags.Phase
	}
	if flags.Label != "" {
		in.Label = flags.Label
	}
	in.Auto = in.Auto || flags.Auto
	in.AutoFix = in.AutoFix || flags.AutoFix
	if flags.TasksComplete != nil {
		in.TasksComplete = flags.TasksComplete
	}
	if flags.TasksTotal != nil {
		in.TasksTotal = flags.TasksTotal
	}
	return in
}

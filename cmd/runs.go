package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Queued-run queries",
	}
	cmd.AddCommand(runsListCmd(), runsStatusCmd(), runsTraceCmd(), runsInterruptCmd())
	return cmd
}

func printRun(r *scheduler.QueuedRun) {
	age := time.Since(time.UnixMilli(r.UpdatedAtMS)).Round(time.Second)
	outf("%s  %-11s root=%s  %s  (%s ago)\n",
		shortID(r.JobID), r.Status, shortID(r.RootIssueID), r.LastProgress, age)
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			runs, err := client.Runs(cmd.Context())
			if err != nil {
				return err
			}
			filtered := runs[:0]
			for _, r := range runs {
				if status != "" && r.Status != status {
					continue
				}
				filtered = append(filtered, r)
			}
			if limit > 0 && len(filtered) > limit {
				filtered = filtered[:limit]
			}
			if emit(filtered) {
				return nil
			}
			for _, r := range filtered {
				printRun(r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the listing")
	return cmd
}

func runsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [root-id]",
		Short: "Show the latest run, optionally for one root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			runs, err := client.Runs(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range runs {
				if len(args) == 1 && r.RootIssueID != args[0] {
					continue
				}
				if emit(r) {
					return nil
				}
				printRun(r)
				for _, line := range r.StdoutTail {
					outf("  %s\n", line)
				}
				return nil
			}
			outf("no runs\n")
			return nil
		},
	}
}

func runsInterruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt [root-id]",
		Short: "Cancel the active run, optionally for one root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			rootID := ""
			if len(args) == 1 {
				rootID = args[0]
			}
			run, err := client.InterruptRun(cmd.Context(), rootID)
			if err != nil {
				return err
			}
			if emit(run) {
				return nil
			}
			outf("interrupted %s\n", shortID(run.JobID))
			return nil
		},
	}
}

func runsTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace [root-id]",
		Short: "Show the captured tails and trace files of the latest run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			runs, err := client.Runs(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range runs {
				if len(args) == 1 && r.RootIssueID != args[0] {
					continue
				}
				trace, err := client.RunTrace(cmd.Context(), r.JobID)
				if err != nil {
					return err
				}
				if emit(trace) {
					return nil
				}
				printRun(trace.Run)
				if len(trace.StdoutTail) > 0 {
					outf("stdout tail:\n")
					for _, line := range trace.StdoutTail {
						outf("  %s\n", line)
					}
				}
				if len(trace.StderrTail) > 0 {
					outf("stderr tail:\n")
					for _, line := range trace.StderrTail {
						outf("  %s\n", line)
					}
				}
				for _, hint := range trace.LogHints {
					outf("hint: %s\n", hint)
				}
				for _, p := range trace.TraceFiles {
					outf("trace: %s\n", p)
				}
				return nil
			}
			outf("no runs\n")
			return nil
		},
	}
}

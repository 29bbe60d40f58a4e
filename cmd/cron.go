package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron programs",
	}
	cmd.AddCommand(
		cronListCmd(),
		cronStatusCmd(),
		cronCreateCmd(),
		cronUpdateCmd(),
		cronDeleteCmd(),
	)
	return cmd
}

func printCron(p *scheduler.CronProgram) {
	state := "disabled"
	if p.Enabled {
		state = "enabled"
	}
	next := "-"
	if p.NextRunAtMS > 0 {
		next = time.UnixMilli(p.NextRunAtMS).Format("2006-01-02 15:04:05")
	}
	sched := p.Schedule.Kind
	switch p.Schedule.Kind {
	case scheduler.ScheduleEvery:
		sched = "every " + (time.Duration(p.Schedule.EveryMS) * time.Millisecond).String()
	case scheduler.ScheduleAt:
		sched = "at " + time.UnixMilli(p.Schedule.AtMS).Format("2006-01-02 15:04:05")
	case scheduler.ScheduleCron:
		sched = "cron " + p.Schedule.Expr
	}
	outf("%s  %-8s %-28s next %s  %s\n", p.ProgramID, state, sched, next, p.Title)
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cron programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			view, err := client.Cron(cmd.Context())
			if err != nil {
				return err
			}
			if emit(view.Programs) {
				return nil
			}
			for _, p := range view.Programs {
				printCron(p)
			}
			return nil
		},
	}
}

func cronStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the armed-program summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			view, err := client.Cron(cmd.Context())
			if err != nil {
				return err
			}
			if emit(view.Status) {
				return nil
			}
			st := view.Status
			outf("%d programs, %d enabled, %d armed\n", st.Count, st.EnabledCount, st.ArmedCount)
			for _, a := range st.Armed {
				outf("%s due %s\n", a.ProgramID,
					time.UnixMilli(a.DueAtMS).Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func cronCreateCmd() *cobra.Command {
	var title, expr, tz, at, prompt, rootID string
	var every time.Duration
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a cron program",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), true)
			if err != nil {
				return err
			}
			var sched scheduler.Schedule
			switch {
			case expr != "":
				sched = scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: expr, TZ: tz}
			case at != "":
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return workspace.E(workspace.KindCLIValidationFailed, "--at must be RFC3339: %v", err)
				}
				sched = scheduler.Schedule{Kind: scheduler.ScheduleAt, AtMS: ts.UnixMilli()}
			case every > 0:
				sched = scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMS: every.Milliseconds()}
			default:
				return workspace.E(workspace.KindCLIValidationFailed, "one of --expr, --at, or --every is required")
			}
			created, err := client.CreateCron(cmd.Context(), scheduler.CronProgram{
				Title:       title,
				Enabled:     true,
				Schedule:    sched,
				Prompt:      prompt,
				RootIssueID: rootID,
				MaxSteps:    maxSteps,
			})
			if err != nil {
				return err
			}
			if emit(created) {
				return nil
			}
			outf("created %s\n", created.ProgramID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "program title")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed period schedule")
	cmd.Flags().StringVar(&at, "at", "", "one-shot schedule (RFC3339)")
	cmd.Flags().StringVar(&expr, "expr", "", "cron expression schedule")
	cmd.Flags().StringVar(&tz, "tz", "", "time zone for --expr (default UTC)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt for the enqueued run")
	cmd.Flags().StringVar(&rootID, "root", "", "existing root to re-run")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget override")
	return cmd
}

func cronUpdateCmd() *cobra.Command {
	var title, prompt string
	var maxSteps int
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "update <program-id>",
		Short: "Patch a cron program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			patch := httpapi.CronPatch{ProgramID: args[0]}
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("prompt") {
				patch.Prompt = &prompt
			}
			if cmd.Flags().Changed("max-steps") {
				patch.MaxSteps = &maxSteps
			}
			if enable {
				t := true
				patch.Enabled = &t
			}
			if disable {
				f := false
				patch.Enabled = &f
			}
			updated, err := client.UpdateCron(cmd.Context(), patch)
			if err != nil {
				return err
			}
			if emit(updated) {
				return nil
			}
			printCron(updated)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&prompt, "prompt", "", "new prompt")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "new step budget")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the program")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the program")
	return cmd
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <program-id>",
		Short: "Remove a cron program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := client.DeleteCron(cmd.Context(), args[0]); err != nil {
				return err
			}
			outf("deleted %s\n", args[0])
			return nil
		},
	}
}

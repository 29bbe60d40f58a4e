package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func errNoProgram(id string) error {
	return workspace.E(workspace.KindNotFound, "no program %q", id)
}

func heartbeatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeats",
		Short: "Heartbeat programs",
	}
	cmd.AddCommand(
		heartbeatsListCmd(),
		heartbeatsGetCmd(),
		heartbeatsCreateCmd(),
		heartbeatsUpdateCmd(),
		heartbeatsDeleteCmd(),
	)
	return cmd
}

func printHeartbeat(p *scheduler.HeartbeatProgram) {
	state := "disabled"
	if p.Enabled {
		state = "enabled"
	}
	next := "-"
	if p.NextTriggerAtMS > 0 {
		next = time.UnixMilli(p.NextTriggerAtMS).Format("2006-01-02 15:04:05")
	}
	outf("%s  %-8s every %s  next %s  %s\n",
		p.ProgramID, state, time.Duration(p.EveryMS)*time.Millisecond, next, p.Title)
}

func heartbeatsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List heartbeat programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			programs, err := client.Heartbeats(cmd.Context())
			if err != nil {
				return err
			}
			if emit(programs) {
				return nil
			}
			for _, p := range programs {
				printHeartbeat(p)
			}
			return nil
		},
	}
}

func heartbeatsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <program-id>",
		Short: "Show one heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			programs, err := client.Heartbeats(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range programs {
				if p.ProgramID != args[0] {
					continue
				}
				if emit(p) {
					return nil
				}
				printHeartbeat(p)
				if p.LastTriggeredMS > 0 {
					outf("last fired: %s (%s)\n",
						time.UnixMilli(p.LastTriggeredMS).Format("2006-01-02 15:04:05"), p.LastResult)
				}
				if p.Reason != "" {
					outf("reason: %s\n", p.Reason)
				}
				return nil
			}
			return errNoProgram(args[0])
		},
	}
}

func heartbeatsCreateCmd() *cobra.Command {
	var title, topic, jobID, rootID, wakeMode, message string
	var every time.Duration
	var autoDisable bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a heartbeat program",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), true)
			if err != nil {
				return err
			}
			p := scheduler.HeartbeatProgram{
				Title:   title,
				Enabled: true,
				EveryMS: every.Milliseconds(),
			}
			if topic != "" {
				p.Target = scheduler.Target{Kind: scheduler.TargetForum, Topic: topic}
			} else {
				p.Target = scheduler.Target{
					Kind:        scheduler.TargetRun,
					JobID:       jobID,
					RootIssueID: rootID,
				}
				p.WakeMode = wakeMode
			}
			if message != "" || autoDisable {
				p.Metadata = map[string]string{}
				if message != "" {
					p.Metadata["message"] = message
				}
				if autoDisable {
					p.Metadata["auto_disable_on_terminal"] = "true"
				}
			}
			created, err := client.CreateHeartbeat(cmd.Context(), p)
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
	cmd.Flags().DurationVar(&every, "every", time.Hour, "firing period")
	cmd.Flags().StringVar(&topic, "topic", "", "forum target topic")
	cmd.Flags().StringVar(&jobID, "job", "", "run target job id")
	cmd.Flags().StringVar(&rootID, "root", "", "run target root issue id")
	cmd.Flags().StringVar(&wakeMode, "wake", scheduler.WakeNudge, "run target wake mode (nudge|requeue)")
	cmd.Flags().StringVar(&message, "message", "", "body posted on each firing")
	cmd.Flags().BoolVar(&autoDisable, "auto-disable", false, "disable once the target run is terminal")
	return cmd
}

func heartbeatsUpdateCmd() *cobra.Command {
	var title, wakeMode string
	var every time.Duration
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "update <program-id>",
		Short: "Patch a heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			patch := httpapi.HeartbeatPatch{ProgramID: args[0]}
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("every") {
				ms := every.Milliseconds()
				patch.EveryMS = &ms
			}
			if cmd.Flags().Changed("wake") {
				patch.WakeMode = &wakeMode
			}
			if enable {
				t := true
				patch.Enabled = &t
			}
			if disable {
				f := false
				patch.Enabled = &f
			}
			updated, err := client.UpdateHeartbeat(cmd.Context(), patch)
			if err != nil {
				return err
			}
			if emit(updated) {
				return nil
			}
			printHeartbeat(updated)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().DurationVar(&every, "every", 0, "new firing period")
	cmd.Flags().StringVar(&wakeMode, "wake", "", "new wake mode")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the program")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the program")
	return cmd
}

func heartbeatsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <program-id>",
		Short: "Remove a heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := client.DeleteHeartbeat(cmd.Context(), args[0]); err != nil {
				return err
			}
			outf("deleted %s\n", args[0])
			return nil
		},
	}
}

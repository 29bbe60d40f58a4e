package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event journal",
	}
	cmd.AddCommand(eventsListCmd(), eventsTraceCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	var evType, source, issueID, runID, contains string
	var limit int
	var sinceMin int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matching events in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			filter := workspace.EventFilter{
				Type:     evType,
				Source:   source,
				IssueID:  issueID,
				RunID:    runID,
				Contains: contains,
				Limit:    limit,
			}
			if sinceMin > 0 {
				filter.SinceMS = time.Now().Add(-time.Duration(sinceMin) * time.Minute).UnixMilli()
			}
			events := store.Events.Query(filter)
			if emit(events) {
				return nil
			}
			for _, ev := range events {
				printEvent(ev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&evType, "type", "", "event type filter")
	cmd.Flags().StringVar(&source, "source", "", "source filter")
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&contains, "contains", "", "substring filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "keep the last N matches (0 = all)")
	cmd.Flags().IntVar(&sinceMin, "since", 0, "only events from the last N minutes")
	return cmd
}

func eventsTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <issue-prefix>",
		Short: "Show every event touching one issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.Issues.Resolve(args[0])
			if err != nil {
				return err
			}
			events := store.Events.Query(workspace.EventFilter{IssueID: id})
			if emit(events) {
				return nil
			}
			for _, ev := range events {
				printEvent(ev)
			}
			return nil
		},
	}
}

func printEvent(ev workspace.Event) {
	ts := time.UnixMilli(ev.TsMS).Format("15:04:05.000")
	outf("%s  %-16s %-10s", ts, ev.Type, ev.Source)
	if ev.IssueID != "" {
		outf(" issue=%s", shortID(ev.IssueID))
	}
	if ev.RunID != "" {
		outf(" run=%s", shortID(ev.RunID))
	}
	if len(ev.Payload) > 0 {
		outf(" %s", string(ev.Payload))
	}
	outf("\n")
}

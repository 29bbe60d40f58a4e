package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Repo and DAG summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			all := store.Issues.List(workspace.ListFilter{})
			counts := map[string]int{}
			var roots []*workspace.Issue
			for _, iss := range all {
				counts[iss.Status]++
				if iss.HasTag(workspace.TagRoot) {
					roots = append(roots, iss)
				}
			}
			ready := store.Issues.Ready("", workspace.ReadyFilter{})
			topics := store.Forum.Topics("")

			summary := map[string]any{
				"root":        store.Layout.Root,
				"issues":      len(all),
				"open":        counts[workspace.StatusOpen],
				"in_progress": counts[workspace.StatusInProgress],
				"closed":      counts[workspace.StatusClosed],
				"ready":       len(ready),
				"roots":       len(roots),
				"topics":      len(topics),
			}
			if emit(summary) {
				return nil
			}

			outf("workspace %s\n", store.Layout.Root)
			outf("issues: %d total (%d open, %d in_progress, %d closed), %d ready\n",
				len(all), counts[workspace.StatusOpen], counts[workspace.StatusInProgress],
				counts[workspace.StatusClosed], len(ready))
			outf("forum: %d topics\n", len(topics))
			for _, root := range roots {
				v := store.Issues.Validate(root.ID)
				state := "in flight"
				if v.IsFinal {
					state = "final"
				}
				outf("root %s  [%s] %s  — %s\n", shortID(root.ID), root.Status, root.Title, state)
			}
			return nil
		},
	}
}

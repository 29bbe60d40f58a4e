package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func issuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "Issue operations on the workspace DAG",
	}
	cmd.AddCommand(
		issuesListCmd(),
		issuesGetCmd(),
		issuesCreateCmd(),
		issuesUpdateCmd(),
		issuesClaimCmd(),
		issuesOpenCmd(),
		issuesCloseCmd(),
		issuesDepCmd(),
		issuesUndepCmd(),
		issuesChildrenCmd(),
		issuesReadyCmd(),
		issuesValidateCmd(),
	)
	return cmd
}

func printIssue(iss *workspace.Issue) {
	outf("%s  [%s] p%d  %s", shortID(iss.ID), iss.Status, iss.Priority, iss.Title)
	if iss.Outcome != "" {
		outf("  (%s)", iss.Outcome)
	}
	if len(iss.Tags) > 0 {
		outf("  %s", strings.Join(iss.Tags, ","))
	}
	outf("\n")
}

func issuesListCmd() *cobra.Command {
	var status, tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			issues := store.Issues.List(workspace.ListFilter{Status: status, Tag: tag})
			if emit(issues) {
				return nil
			}
			for _, iss := range issues {
				printIssue(iss)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open|in_progress|closed)")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	return cmd
}

func issuesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <id-prefix>",
		Aliases: []string{"show"},
		Short:   "Show one issue",
		Args:    cobra.ExactArgs(1),
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
			iss := store.Issues.Get(id)
			if emit(iss) {
				return nil
			}
			outf("id:       %s\n", iss.ID)
			outf("title:    %s\n", iss.Title)
			outf("status:   %s\n", iss.Status)
			if iss.Outcome != "" {
				outf("outcome:  %s\n", iss.Outcome)
			}
			outf("priority: %d\n", iss.Priority)
			if len(iss.Tags) > 0 {
				outf("tags:     %s\n", strings.Join(iss.Tags, ", "))
			}
			if len(iss.Blocks) > 0 {
				outf("blocks:   %s\n", strings.Join(iss.Blocks, ", "))
			}
			if len(iss.Parents) > 0 {
				outf("parents:  %s\n", strings.Join(iss.Parents, ", "))
			}
			if iss.Body != "" {
				outf("\n%s\n", iss.Body)
			}
			return nil
		},
	}
}

func issuesCreateCmd() *cobra.Command {
	var body string
	var priority int
	var tags []string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create an issue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			iss, err := store.CreateIssue(strings.Join(args, " "), workspace.CreateOpts{
				Body:     body,
				Priority: priority,
				Tags:     tags,
			})
			if err != nil {
				return err
			}
			if emit(iss) {
				return nil
			}
			outf("created %s\n", iss.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "issue body")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1 (highest) to 5")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	return cmd
}

func issuesUpdateCmd() *cobra.Command {
	var title, body string
	var priority int
	var tags []string
	cmd := &cobra.Command{
		Use:   "update <id-prefix>",
		Short: "Patch an issue",
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
			var patch workspace.IssuePatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("body") {
				patch.Body = &body
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			if cmd.Flags().Changed("tag") {
				patch.Tags = &tags
			}
			iss, err := store.UpdateIssue(id, patch)
			if err != nil {
				return err
			}
			if emit(iss) {
				return nil
			}
			outf("updated %s\n", iss.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&body, "body", "", "new body")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replacement tag set (repeatable)")
	return cmd
}

func issuesClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id-prefix>",
		Short: "Mark an open issue in_progress",
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
			if err := store.ClaimIssue(id); err != nil {
				return err
			}
			outf("claimed %s\n", id)
			return nil
		},
	}
}

func issuesOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <id-prefix>",
		Short: "Reopen an issue",
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
			if err := store.ReopenIssue(id); err != nil {
				return err
			}
			outf("reopened %s\n", id)
			return nil
		},
	}
}

func issuesCloseCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "close <id-prefix>",
		Short: "Close an issue with an outcome",
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
			if err := store.CloseIssue(id, outcome); err != nil {
				return err
			}
			outf("closed %s (%s)\n", id, outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", workspace.OutcomeSuccess, "success|failure|needs_work|expanded|skipped")
	return cmd
}

func issuesDepCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "dep <src-prefix> <dst-prefix>",
		Short: "Add a dependency edge (src blocks/parents dst)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			src, err := store.Issues.Resolve(args[0])
			if err != nil {
				return err
			}
			dst, err := store.Issues.Resolve(args[1])
			if err != nil {
				return err
			}
			if err := store.AddDep(src, depType, dst); err != nil {
				return err
			}
			outf("%s %s %s\n", shortID(src), depType, shortID(dst))
			return nil
		},
	}
	cmd.Flags().StringVar(&depType, "type", workspace.DepBlocks, "blocks|parent")
	return cmd
}

func issuesUndepCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "undep <src-prefix> <dst-prefix>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			src, err := store.Issues.Resolve(args[0])
			if err != nil {
				return err
			}
			dst, err := store.Issues.Resolve(args[1])
			if err != nil {
				return err
			}
			removed, err := store.RemoveDep(src, depType, dst)
			if err != nil {
				return err
			}
			if removed {
				outf("removed\n")
			} else {
				outf("no such edge\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&depType, "type", workspace.DepBlocks, "blocks|parent")
	return cmd
}

func issuesChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children <id-prefix>",
		Short: "List tree children of an issue",
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
			kids := store.Issues.Children(id)
			if emit(kids) {
				return nil
			}
			for _, iss := range kids {
				printIssue(iss)
			}
			return nil
		},
	}
}

func issuesReadyCmd() *cobra.Command {
	var root, contains string
	var tags []string
	var limit int
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Show the ready frontier",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			rootID := ""
			if root != "" {
				rootID, err = store.Issues.Resolve(root)
				if err != nil {
					return err
				}
			}
			ready := store.Issues.Ready(rootID, workspace.ReadyFilter{
				Tags:     tags,
				Contains: contains,
				Limit:    limit,
			})
			if emit(ready) {
				return nil
			}
			for _, iss := range ready {
				printIssue(iss)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "restrict to one root's subtree")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required tags (repeatable)")
	cmd.Flags().StringVar(&contains, "contains", "", "title substring filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the frontier size")
	return cmd
}

func issuesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <root-prefix>",
		Short: "Check whether a root's subtree is final",
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
			v := store.Issues.Validate(id)
			if emit(v) {
				return nil
			}
			if v.IsFinal {
				outf("final: %s\n", v.Reason)
			} else {
				outf("not final: %s\n", v.Reason)
			}
			return nil
		},
	}
}

package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func forumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forum",
		Short: "Append-only forum threads",
	}
	cmd.AddCommand(forumPostCmd(), forumReadCmd(), forumTopicsCmd())
	return cmd
}

func forumPostCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "post <topic> <body...>",
		Short: "Post a message to a topic",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			m, err := store.Post(args[0], strings.Join(args[1:], " "), author)
			if err != nil {
				return err
			}
			if emit(m) {
				return nil
			}
			outf("posted to %s\n", m.Topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "cli", "message author")
	return cmd
}

func forumReadCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "read <topic>",
		Short: "Read a topic, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			msgs := store.Forum.Read(args[0], limit)
			if emit(msgs) {
				return nil
			}
			for _, m := range msgs {
				ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
				outf("[%s] %s: %s\n", ts, m.Author, m.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "last N messages (0 = all)")
	return cmd
}

func forumTopicsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List topics by last activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			topics := store.Forum.Topics(prefix)
			if emit(topics) {
				return nil
			}
			for _, t := range topics {
				outf("%-40s %4d msgs  %s\n", t.Topic, t.Messages,
					time.UnixMilli(t.LastAt).Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "topic prefix filter")
	return cmd
}

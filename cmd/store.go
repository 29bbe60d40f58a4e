package cmd

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect store files",
	}
	cmd.AddCommand(storePathsCmd(), storeLsCmd(), storeTailCmd())
	return cmd
}

func storePathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print every well-known store path",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			l := workspace.NewLayout(root)
			paths := map[string]string{
				"store":         l.StoreDir(),
				"issues":        l.IssuesLog(),
				"forum":         l.ForumLog(),
				"events":        l.EventsLog(),
				"config":        l.ConfigFile(),
				"logs":          l.LogsDir(),
				"runs":          l.RunsLog(),
				"heartbeats":    l.HeartbeatsLog(),
				"cron":          l.CronLog(),
				"server":        l.ServerFile(),
				"writer_lock":   l.WriterLock(),
				"identities":    l.IdentitiesLog(),
				"operator_log":  l.OperatorTurnsLog(),
				"conversations": l.OperatorConversationsFile(),
			}
			if emit(paths) {
				return nil
			}
			for _, name := range []string{
				"store", "issues", "forum", "events", "config", "logs",
				"runs", "heartbeats", "cron", "server", "writer_lock",
				"identities", "operator_log", "conversations",
			} {
				outf("%-14s %s\n", name, paths[name])
			}
			return nil
		},
	}
}

func storeLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List store files with sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			dir := workspace.NewLayout(root).StoreDir()
			return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				info, err := d.Info()
				if err != nil {
					return err
				}
				rel, _ := filepath.Rel(dir, path)
				outf("%8d  %s\n", info.Size(), rel)
				return nil
			})
		},
	}
}

func storeTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <file>",
		Short: "Show the last lines of a store file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			path := args[0]
			if !filepath.IsAbs(path) {
				path = filepath.Join(workspace.NewLayout(root).StoreDir(), path)
			}
			f, err := os.Open(path)
			if err != nil {
				return workspace.Wrap(workspace.KindStorageIO, err, "open %s", path)
			}
			defer f.Close()

			var lines []string
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				lines = append(lines, scanner.Text())
				if len(lines) > n {
					lines = lines[1:]
				}
			}
			if err := scanner.Err(); err != nil {
				return workspace.Wrap(workspace.KindStorageIO, err, "read %s", path)
			}
			for _, line := range lines {
				outf("%s\n", line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "line count")
	return cmd
}

package cmd

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/runner"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func runCmd() *cobra.Command {
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "run <prompt...>",
		Short: "Queue a run on the background server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, _, err := controlClient(ctx, true)
			if err != nil {
				return err
			}
			run, err := client.StartRun(ctx, httpapi.RunStartRequest{
				Prompt:   strings.Join(args, " "),
				MaxSteps: maxSteps,
			})
			if err != nil {
				return err
			}
			if emit(run) {
				return nil
			}
			outf("queued run %s (max %d steps)\n", shortID(run.JobID), run.MaxSteps)
			outf("follow with: crewclaw runs status\n")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget (0 = workspace default)")
	return cmd
}

func resumeCmd() *cobra.Command {
	var maxSteps int
	var backendArgv []string
	cmd := &cobra.Command{
		Use:   "resume <root-prefix>",
		Short: "Reset in_progress issues under a root and re-enter the runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			rootID, err := store.Issues.Resolve(args[0])
			if err != nil {
				return err
			}
			if maxSteps <= 0 {
				maxSteps = store.Config.SchedulerSnapshot().MaxSteps
			}

			backend, err := runner.NewExecBackend(backendArgv, store.Layout.Root)
			if err != nil {
				return err
			}
			trace, err := runner.NewTraceWriter(store.Layout.RunLogDir(rootID), rootID)
			if err != nil {
				return err
			}
			defer trace.Close()

			width := 0
			if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				width = w
			}
			r := runner.New(runner.Config{
				Store:   store,
				Backend: backend,
				Hooks:   runner.MultiHooks{runner.NewLineRenderer(os.Stdout, width), trace},
			})
			res, err := r.Run(cmd.Context(), rootID, maxSteps)
			if err != nil {
				return err
			}
			if emit(res) {
				return nil
			}
			outf("%s after %d steps: %s\n", res.Status, res.Steps, res.Reason)
			if res.Status != runner.ExitRootFinal {
				return workspace.E(workspace.KindBackendError, "run exited %s: %s", res.Status, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget (0 = workspace default)")
	cmd.Flags().StringSliceVar(&backendArgv, "backend", nil, "backend command argv (default $"+runner.BackendCommandEnv+")")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <issue-prefix|trace-path>",
		Short: "Emit the recorded trace log for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// A direct path replays without opening the store.
			if strings.ContainsRune(args[0], os.PathSeparator) {
				return catFile(args[0])
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.Issues.Resolve(args[0])
			if err != nil {
				return err
			}
			var paths []string
			// The trace lives under the logs dir of whichever root ran it.
			roots, _ := os.ReadDir(store.Layout.LogsDir())
			for _, root := range roots {
				for _, p := range runner.TraceFiles(store.Layout.RunLogDir(root.Name())) {
					if strings.HasPrefix(filepath.Base(p), id+"-") {
						paths = append(paths, p)
					}
				}
			}
			if len(paths) == 0 {
				return workspace.E(workspace.KindNotFound, "no trace recorded for %s", id)
			}
			for _, p := range paths {
				if err := catFile(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func catFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return workspace.Wrap(workspace.KindStorageIO, err, "open trace")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		outf("%s\n", scanner.Text())
	}
	return scanner.Err()
}

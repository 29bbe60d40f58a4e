package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/crewclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	rootDir   string
	jsonOut   bool
	prettyOut bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "crewclaw",
	Short:         "crewclaw — personal-agent runtime for technical work",
	Long:          "crewclaw keeps a file-backed workspace of issues and forum threads, drives a coding-agent backend over the ready frontier of the issue DAG, and runs scheduled and operator-triggered work through a background server.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "repository root holding the .crewclaw store")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&prettyOut, "pretty", false, "indent JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(forumCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(heartbeatsCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(storeCmd())
	rootCmd.AddCommand(controlCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			outf("crewclaw %s\n", Version)
		},
	}
}

// Execute runs the root command and maps failures to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		renderError(err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitCode)
}

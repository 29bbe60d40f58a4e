package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/runner"
	"github.com/nextlevelbuilder/crewclaw/internal/serve"
	"github.com/nextlevelbuilder/crewclaw/internal/tracing"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func serveCmd() *cobra.Command {
	var port int
	var backendArgv []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if cmd.Flags().Changed("port") {
				store.Config.ControlPlane.Port = port
			}

			shutdownTracing, err := tracing.Init(cmd.Context(), store.Config.Telemetry)
			if err != nil {
				slog.Warn("serve.telemetry_init_failed", "error", err)
			} else {
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					shutdownTracing(ctx)
				}()
			}

			backend, err := runner.NewExecBackend(backendArgv, store.Layout.Root)
			if err != nil {
				return err
			}
			code, err := serve.NewSupervisor(store, backend).Run(cmd.Context())
			if err != nil {
				return err
			}
			exitCode = code
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "control plane port (0 = config, then ephemeral)")
	cmd.Flags().StringSliceVar(&backendArgv, "backend", nil, "backend command argv (default $"+runner.BackendCommandEnv+")")
	return cmd
}

func stopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background server",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			layout := workspace.NewLayout(root)
			cfg, err := workspace.LoadConfig(layout.ConfigFile())
			if err != nil {
				return err
			}
			if err := serve.Stop(cmd.Context(), layout, cfg.ControlPlane.Token, force); err != nil {
				return err
			}
			outf("server stopped\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill the server if graceful shutdown stalls")
	return cmd
}

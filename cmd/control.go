package cmd

import (
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/operator"
	"github.com/nextlevelbuilder/crewclaw/internal/serve"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func controlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Identity and operator configuration",
	}
	cmd.AddCommand(
		controlLinkCmd(),
		controlUnlinkCmd(),
		controlIdentitiesCmd(),
		controlStatusCmd(),
		controlOperatorCmd(),
		controlReloadCmd(),
	)
	return cmd
}

func openIdentities() (*operator.IdentityStore, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	layout := workspace.NewLayout(root)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	return operator.OpenIdentityStore(layout.IdentitiesLog())
}

func controlLinkCmd() *cobra.Command {
	var operatorID, channel, tenant, actor, role string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Bind a channel actor to an operator identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Missing fields are collected interactively on a TTY; in
			// scripts every flag is required.
			if actor == "" || channel == "" {
				if !stderrIsTTY() {
					return workspace.E(workspace.KindCLIValidationFailed,
						"--channel and --actor are required without a terminal")
				}
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewSelect[string]().
							Title("Channel").
							Options(
								huh.NewOption("chat_a", "chat_a"),
								huh.NewOption("chat_b", "chat_b"),
								huh.NewOption("chat_c", "chat_c"),
								huh.NewOption("email", "email"),
							).
							Value(&channel),
						huh.NewInput().
							Title("Channel tenant id").
							Value(&tenant),
						huh.NewInput().
							Title("Channel actor id").
							Validate(func(s string) error {
								if strings.TrimSpace(s) == "" {
									return workspace.E(workspace.KindInvalidInput, "actor id must not be empty")
								}
								return nil
							}).
							Value(&actor),
						huh.NewSelect[string]().
							Title("Role").
							Options(
								huh.NewOption("operator", "operator"),
								huh.NewOption("contributor", "contributor"),
								huh.NewOption("viewer", "viewer"),
							).
							Value(&role),
					),
				)
				if err := form.Run(); err != nil {
					return err
				}
			}

			ids, err := openIdentities()
			if err != nil {
				return err
			}
			defer ids.Close()
			b, err := ids.Link(operatorID, channel, tenant, actor, role)
			if err != nil {
				return err
			}
			if emit(b) {
				return nil
			}
			outf("linked %s: %s/%s as %s (%s)\n",
				b.BindingID, b.Channel, b.ChannelActorID, b.Role, strings.Join(b.Scopes, ","))
			return nil
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "default", "operator identity id")
	cmd.Flags().StringVar(&channel, "channel", "", "ingress channel")
	cmd.Flags().StringVar(&tenant, "tenant", "", "channel tenant id")
	cmd.Flags().StringVar(&actor, "actor", "", "channel actor id")
	cmd.Flags().StringVar(&role, "role", "operator", "operator|contributor|viewer")
	return cmd
}

func controlUnlinkCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "unlink <binding-id>",
		Short: "Revoke a channel binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := openIdentities()
			if err != nil {
				return err
			}
			defer ids.Close()
			if err := ids.Unlink(args[0], reason); err != nil {
				return err
			}
			outf("revoked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "unlinked via cli", "revocation reason")
	return cmd
}

func controlIdentitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identities",
		Short: "List channel bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := openIdentities()
			if err != nil {
				return err
			}
			defer ids.Close()
			bindings := ids.List()
			if emit(bindings) {
				return nil
			}
			for _, b := range bindings {
				outf("%s  %-8s %s/%s  %s  since %s\n",
					b.BindingID, b.Status, b.Channel, b.ChannelActorID, b.Role,
					time.UnixMilli(b.CreatedAtMS).Format("2006-01-02"))
			}
			return nil
		},
	}
}

func controlStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server and operator state",
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
			url, up := serve.Discover(cmd.Context(), layout, cfg.ControlPlane.Token)
			op := cfg.OperatorSnapshot()

			status := map[string]any{
				"server_up":    up,
				"server_url":   url,
				"operator":     op.Enabled,
				"run_triggers": op.RunTriggers,
				"channels":     op.Channels,
			}
			if emit(status) {
				return nil
			}
			if up {
				outf("server: up at %s\n", url)
			} else {
				outf("server: down\n")
			}
			outf("operator: enabled=%v run_triggers=%v channels=%s\n",
				op.Enabled, op.RunTriggers, strings.Join(op.Channels, ","))
			return nil
		},
	}
}

func controlOperatorCmd() *cobra.Command {
	var enable, disable, allowRuns, denyRuns bool
	var channels []string
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Show or adjust the operator section of the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			layout := workspace.NewLayout(root)
			if err := layout.Ensure(); err != nil {
				return err
			}
			cfg, err := workspace.LoadConfig(layout.ConfigFile())
			if err != nil {
				return err
			}

			changed := false
			if enable {
				cfg.Operator.Enabled = true
				changed = true
			}
			if disable {
				cfg.Operator.Enabled = false
				changed = true
			}
			if allowRuns {
				cfg.Operator.RunTriggers = true
				changed = true
			}
			if denyRuns {
				cfg.Operator.RunTriggers = false
				changed = true
			}
			if cmd.Flags().Changed("channel") {
				cfg.Operator.Channels = channels
				changed = true
			}
			if changed {
				if err := cfg.Save(layout.ConfigFile()); err != nil {
					return err
				}
				// A running server picks the change up on its next reload.
				if url, up := serve.Discover(cmd.Context(), layout, cfg.ControlPlane.Token); up {
					client, _, err := controlClient(cmd.Context(), false)
					if err == nil {
						if rerr := client.Reload(cmd.Context()); rerr != nil {
							outf("saved; reload of %s failed: %v\n", url, rerr)
							return nil
						}
					}
				}
			}

			op := cfg.OperatorSnapshot()
			if emit(op) {
				return nil
			}
			outf("enabled:       %v\n", op.Enabled)
			outf("run_triggers:  %v\n", op.RunTriggers)
			outf("channels:      %s\n", strings.Join(op.Channels, ","))
			outf("session_ttl:   %dm\n", op.SessionTTLMin)
			outf("max_sessions:  %d\n", op.MaxSessions)
			outf("turn_timeout:  %ds\n", op.TurnTimeoutSecs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the operator broker")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the operator broker")
	cmd.Flags().BoolVar(&allowRuns, "allow-run-triggers", false, "allow run_start/resume/interrupt proposals")
	cmd.Flags().BoolVar(&denyRuns, "deny-run-triggers", false, "reject run-trigger proposals")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "replacement enabled-channel set")
	return cmd
}

func controlReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to reload its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := controlClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := client.Reload(cmd.Context()); err != nil {
				return err
			}
			outf("reloaded\n")
			return nil
		},
	}
}

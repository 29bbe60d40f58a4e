package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crewclaw/internal/operator"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func sessionCmd() *cobra.Command {
	var startNew bool
	var resumeFile string
	cmd := &cobra.Command{
		Use:   "session [list|<id>]",
		Short: "Operator-session management",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			path := store.Layout.OperatorConversationsFile()

			switch {
			case startNew:
				// Dropping the conversation map breaks stickiness; the next
				// inbound on every key gets a fresh session.
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return workspace.Wrap(workspace.KindStorageIO, err, "clear sessions")
				}
				outf("conversation map cleared; next turns start fresh sessions\n")
				return nil

			case resumeFile != "":
				return installSessionFile(resumeFile, path)
			}

			sessions, err := operator.LoadSessions(path)
			if err != nil {
				return workspace.Wrap(workspace.KindStorageIO, err, "read sessions")
			}

			if len(args) == 1 && args[0] != "list" {
				for _, ps := range sessions {
					if !strings.HasPrefix(ps.Session.ID, args[0]) {
						continue
					}
					if emit(ps) {
						return nil
					}
					printSession(ps)
					return nil
				}
				return workspace.E(workspace.KindNotFound, "no session matching %q", args[0])
			}

			if emit(sessions) {
				return nil
			}
			if len(sessions) == 0 {
				outf("no persisted sessions\n")
				return nil
			}
			for _, ps := range sessions {
				printSession(ps)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&startNew, "new", false, "drop stickiness and start fresh sessions")
	cmd.Flags().StringVar(&resumeFile, "resume", "", "install a saved conversation map")
	return cmd
}

func printSession(ps operator.PersistedSession) {
	k := ps.Key
	s := ps.Session
	outf("%s  %s/%s/%s  %d msgs  last %s\n",
		s.ID, k.Channel, k.TenantID, k.ConversationID, s.MessageCount,
		time.UnixMilli(s.LastUsedAtMS).Format("2006-01-02 15:04"))
}

// installSessionFile validates a saved conversation map before copying it
// into place; a file that does not parse never replaces the live map.
func installSessionFile(src, dst string) error {
	sessions, err := operator.LoadSessions(src)
	if err != nil {
		return workspace.Wrap(workspace.KindCLIValidationFailed, err, "parse %s", src)
	}
	if len(sessions) == 0 {
		return workspace.E(workspace.KindCLIValidationFailed, "%s holds no sessions", src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return workspace.Wrap(workspace.KindStorageIO, err, "read %s", src)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return workspace.Wrap(workspace.KindStorageIO, err, "install %s", dst)
	}
	outf("installed %d sessions\n", len(sessions))
	return nil
}

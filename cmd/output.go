package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/serve"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// exitCode carries a non-error exit status (signals from serve use 128+signo).
var exitCode int

func outf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

// emit prints v as JSON when --json or --pretty is set and returns true.
func emit(v any) bool {
	if !jsonOut && !prettyOut {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	if prettyOut {
		enc.SetIndent("", "  ")
	}
	enc.Encode(v)
	return true
}

func stderrIsTTY() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// renderError writes one error line. TTYs get a readable message plus
// recovery hints; everything else gets a JSON object.
func renderError(err error) {
	if !stderrIsTTY() {
		json.NewEncoder(os.Stderr).Encode(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if hints := hintsFor(err); len(hints) > 0 {
		fmt.Fprintf(os.Stderr, "Try: %s\n", strings.Join(hints, " | "))
	}
}

func hintsFor(err error) []string {
	switch workspace.KindOf(err) {
	case workspace.KindAmbiguous:
		return []string{"lengthen the id prefix", "crewclaw issues list"}
	case workspace.KindNotFound:
		return []string{"crewclaw issues list", "crewclaw runs list"}
	case workspace.KindServerUnreachable:
		return []string{"crewclaw serve", "check " + serve.ServerURLEnv}
	case workspace.KindRequestTimeout:
		return []string{"retry", "crewclaw stop --force"}
	case workspace.KindBackendError, workspace.KindBackendTimeout:
		return []string{"crewclaw runs trace", "crewclaw resume <root-id>"}
	}
	return nil
}

func exitCodeFor(err error) int {
	return 1
}

// resolveRoot expands --root to an absolute path.
func resolveRoot() (string, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return "", workspace.Wrap(workspace.KindInvalidInput, err, "resolve root")
	}
	return abs, nil
}

// openStore opens the workspace store for direct file access.
func openStore() (*workspace.Store, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	return workspace.Open(root)
}

// controlClient discovers (or spawns) the background server and returns a
// client for it.
func controlClient(ctx context.Context, spawn bool) (*httpapi.Client, workspace.Layout, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, workspace.Layout{}, err
	}
	layout := workspace.NewLayout(root)
	if err := layout.Ensure(); err != nil {
		return nil, layout, err
	}
	cfg, err := workspace.LoadConfig(layout.ConfigFile())
	if err != nil {
		return nil, layout, err
	}
	token := cfg.ControlPlane.Token

	if spawn {
		url, err := serve.EnsureServer(ctx, layout, token)
		if err != nil {
			return nil, layout, err
		}
		return httpapi.NewClient(url, token), layout, nil
	}
	url, ok := serve.Discover(ctx, layout, token)
	if !ok {
		return nil, layout, workspace.E(workspace.KindServerUnreachable, "no running server")
	}
	return httpapi.NewClient(url, token), layout, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Package policy implements the bridge's safety gate: workspace path
// containment, the trusted-binary allow-list, and the command-tool enable
// flag that command-shaped tools must check before running anything.
package policy

import (
	"errors"
	"fmt"

	"github.com/codewiresh/lspbridge/internal/pathutil"
)

var (
	// ErrCommandToolsDisabled is returned when a command tool is invoked
	// while the enable flag is off.
	ErrCommandToolsDisabled = errors.New("policy: command tools are disabled")
	// ErrUntrustedBinary is returned when a command tool targets a binary
	// outside the configured allow-list.
	ErrUntrustedBinary = errors.New("policy: binary is not in the trusted allow-list")
	// ErrOutsideWorkspace is returned by ResolvePath when the target
	// escapes the workspace root.
	ErrOutsideWorkspace = errors.New("policy: path outside workspace")
)

// Gate holds the workspace root, the trusted-binary allow-list, and
// whether command tools are enabled at all.
type Gate struct {
	workspaceRoot      string
	enableCommandTools bool
	trustedBinaries    map[string]struct{}
}

// New builds a Gate. trustedBinaries entries must be absolute paths; they
// are matched exactly.
func New(workspaceRoot string, enableCommandTools bool, trustedBinaries []string) *Gate {
	trusted := make(map[string]struct{}, len(trustedBinaries))
	for _, b := range trustedBinaries {
		trusted[b] = struct{}{}
	}
	return &Gate{
		workspaceRoot:      workspaceRoot,
		enableCommandTools: enableCommandTools,
		trustedBinaries:    trusted,
	}
}

// ResolvePath resolves rel against the workspace root and fails with
// ErrOutsideWorkspace if the lexically cleaned target is not the root or
// nested beneath it (see pathutil.ResolveWithinWorkspace).
func (g *Gate) ResolvePath(rel string) (string, error) {
	target, err := pathutil.ResolveWithinWorkspace(g.workspaceRoot, rel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutsideWorkspace, err)
	}
	return target, nil
}

// AuthorizeCommand checks that command tools are enabled and that binary
// is on the trusted allow-list.
func (g *Gate) AuthorizeCommand(binary string) error {
	if !g.enableCommandTools {
		return ErrCommandToolsDisabled
	}
	if _, ok := g.trustedBinaries[binary]; !ok {
		return fmt.Errorf("%w: %s", ErrUntrustedBinary, binary)
	}
	return nil
}

// WorkspaceRoot returns the canonical workspace root this gate enforces.
func (g *Gate) WorkspaceRoot() string { return g.workspaceRoot }

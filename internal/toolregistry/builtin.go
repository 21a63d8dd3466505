package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"os"

	"gopkg.in/yaml.v3"

	"github.com/codewiresh/lspbridge/internal/protocol"
)

// commandTimeout bounds how long a command-tool subprocess may run.
const commandTimeout = 20 * time.Second

// RegisterBuiltins wires the bridge's default code-intelligence and build
// tools into r. Command-shaped tools additionally consult ctx.Policy at
// call time, so registering them here does not by itself expose them.
func RegisterBuiltins(r *Registry) {
	r.Register("read_file", "Read a workspace file and open it in the language server session.",
		ObjectSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "workspace-relative or absolute file path"},
		}, "path"),
		readFileTool)

	r.Register("hover", "Request hover information at a position in a workspace file.",
		ObjectSchema(map[string]any{
			"path":      map[string]any{"type": "string"},
			"line":      map[string]any{"type": "integer"},
			"character": map[string]any{"type": "integer"},
		}, "path", "line", "character"),
		hoverTool)

	r.Register("definition", "Request the definition location(s) for a symbol at a position.",
		ObjectSchema(map[string]any{
			"path":      map[string]any{"type": "string"},
			"line":      map[string]any{"type": "integer"},
			"character": map[string]any{"type": "integer"},
		}, "path", "line", "character"),
		definitionTool)

	r.Register("run_build", "Run the configured build binary against the workspace. Requires command tools to be enabled.",
		ObjectSchema(map[string]any{
			"args": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}),
		runBuildTool)
}

type pathArgs struct {
	Path string `json:"path"`
}

func readFileTool(ctx *ToolContext, args json.RawMessage) (string, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Path == "" {
		return "", fmt.Errorf("read_file: missing required field %q", "path")
	}
	resolved, err := ctx.Policy.ResolvePath(a.Path)
	if err != nil {
		return "", err
	}
	uri, err := ctx.Docs.EnsureOpen(ctx.LSP, resolved)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("opened %s", uri), nil
}

type positionArgs struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

func (a positionArgs) validate(tool string) error {
	if a.Path == "" {
		return fmt.Errorf("%s: missing required field %q", tool, "path")
	}
	return nil
}

func hoverTool(ctx *ToolContext, args json.RawMessage) (string, error) {
	var a positionArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("hover: invalid arguments: %w", err)
	}
	if err := a.validate("hover"); err != nil {
		return "", err
	}

	resolved, err := ctx.Policy.ResolvePath(a.Path)
	if err != nil {
		return "", err
	}
	uri, err := ctx.Docs.EnsureOpen(ctx.LSP, resolved)
	if err != nil {
		return "", err
	}

	params, _ := json.Marshal(map[string]any{
		"textDocument": map[string]any{"uri": uri},
		"position":     map[string]any{"line": a.Line, "character": a.Character},
	})
	raw, err := ctx.LSP.SendRequest("textDocument/hover", params)
	if err != nil {
		return "", err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("hover: parsing response: %w", err)
	}
	if env.Error != nil {
		return "", fmt.Errorf("hover: %w", env.Error)
	}
	return string(env.Result), nil
}

func definitionTool(ctx *ToolContext, args json.RawMessage) (string, error) {
	var a positionArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("definition: invalid arguments: %w", err)
	}
	if err := a.validate("definition"); err != nil {
		return "", err
	}

	resolved, err := ctx.Policy.ResolvePath(a.Path)
	if err != nil {
		return "", err
	}
	uri, err := ctx.Docs.EnsureOpen(ctx.LSP, resolved)
	if err != nil {
		return "", err
	}

	params, _ := json.Marshal(map[string]any{
		"textDocument": map[string]any{"uri": uri},
		"position":     map[string]any{"line": a.Line, "character": a.Character},
	})
	raw, err := ctx.LSP.SendRequest("textDocument/definition", params)
	if err != nil {
		return "", err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("definition: parsing response: %w", err)
	}
	if env.Error != nil {
		return "", fmt.Errorf("definition: %w", env.Error)
	}
	return string(env.Result), nil
}

type buildArgs struct {
	Args []string `json:"args"`
}

func runBuildTool(ctx *ToolContext, args json.RawMessage) (string, error) {
	var a buildArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("run_build: invalid arguments: %w", err)
		}
	}

	binary := ctx.Binaries.Builder
	if err := ctx.Policy.AuthorizeCommand(binary); err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, binary, a.Args...)
	cmd.Dir = ctx.Workspace.Root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run_build: %w: %s", err, out.String())
	}
	return out.String(), nil
}

// descriptionOverrides is the shape of an optional YAML file that lets a
// deployment customize a builtin tool's advertised description without
// touching Go code.
type descriptionOverrides struct {
	Tools map[string]string `yaml:"tools"`
}

// LoadDescriptionOverrides reads a YAML file mapping tool name to a
// replacement description and applies it to every matching entry in r. A
// missing file is not an error.
func LoadDescriptionOverrides(r *Registry, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("toolregistry: reading %s: %w", path, err)
	}

	var overrides descriptionOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("toolregistry: parsing %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, desc := range overrides.Tools {
		if e, ok := r.entries[name]; ok {
			e.description = desc
			r.entries[name] = e
		}
	}
	return nil
}

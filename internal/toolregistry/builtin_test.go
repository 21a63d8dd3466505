package toolregistry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codewiresh/lspbridge/internal/doctracker"
	"github.com/codewiresh/lspbridge/internal/lspclient"
	"github.com/codewiresh/lspbridge/internal/pathutil"
	"github.com/codewiresh/lspbridge/internal/policy"
	"github.com/codewiresh/lspbridge/internal/protocol"
	"github.com/codewiresh/lspbridge/internal/requestarena"
	"github.com/codewiresh/lspbridge/internal/southio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoServer answers every request with a fixed result payload.
func echoServer(in io.ReadCloser, out io.WriteCloser) {
	go func() {
		r := southio.NewReader(in)
		w := southio.NewWriter(out)
		for {
			body, err := r.Read()
			if err != nil || body == nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(body, &env); err != nil || env.ID == nil {
				continue
			}
			resp := protocol.ResultResponse(*env.ID, json.RawMessage(`{"contents":"stub"}`))
			data, _ := json.Marshal(resp)
			_ = w.Write(data)
		}
	}()
}

func newTestContext(t *testing.T, workspaceRoot string) *ToolContext {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	echoServer(stdinR, stdoutW)

	client := lspclient.New(discardLogger(), time.Second)
	client.Connect(stdinW, stdoutR, nil)
	t.Cleanup(client.Disconnect)

	gate := policy.New(workspaceRoot, true, []string{"/bin/echo"})

	return &ToolContext{
		LSP:       client,
		Docs:      doctracker.New("go", discardLogger()),
		Workspace: Workspace{Root: workspaceRoot, URI: pathutil.PathToURI(workspaceRoot)},
		Arena:     requestarena.New(),
		Policy:    gate,
		Binaries:  Binaries{Builder: "/bin/echo"},
		Log:       discardLogger(),
	}
}

func TestReadFileToolOpensDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := newTestContext(t, dir)

	args, _ := json.Marshal(pathArgs{Path: path})
	out, err := readFileTool(ctx, args)
	if err != nil {
		t.Fatalf("readFileTool: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty result")
	}
}

func TestReadFileToolMissingPath(t *testing.T) {
	ctx := newTestContext(t, t.TempDir())
	if _, err := readFileTool(ctx, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestReadFileToolRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	ctx := newTestContext(t, dir)

	args, _ := json.Marshal(pathArgs{Path: "../outside.go"})
	if _, err := readFileTool(ctx, args); !errors.Is(err, policy.ErrOutsideWorkspace) {
		t.Fatalf("got %v, want ErrOutsideWorkspace", err)
	}
}

func TestHoverToolReturnsLspResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := newTestContext(t, dir)

	args, _ := json.Marshal(positionArgs{Path: path, Line: 0, Character: 0})
	out, err := hoverTool(ctx, args)
	if err != nil {
		t.Fatalf("hoverTool: %v", err)
	}
	if out != `{"contents":"stub"}` {
		t.Errorf("got %q", out)
	}
}

func TestDefinitionToolReturnsLspResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := newTestContext(t, dir)

	args, _ := json.Marshal(positionArgs{Path: path, Line: 1, Character: 2})
	out, err := definitionTool(ctx, args)
	if err != nil {
		t.Fatalf("definitionTool: %v", err)
	}
	if out != `{"contents":"stub"}` {
		t.Errorf("got %q", out)
	}
}

func TestRunBuildToolRequiresAuthorization(t *testing.T) {
	dir := t.TempDir()
	ctx := newTestContext(t, dir)
	ctx.Policy = policy.New(dir, false, nil) // command tools disabled

	if _, err := runBuildTool(ctx, nil); !errors.Is(err, policy.ErrCommandToolsDisabled) {
		t.Fatalf("got %v, want ErrCommandToolsDisabled", err)
	}
}

func TestLoadDescriptionOverridesMissingFileIsNoop(t *testing.T) {
	r := New()
	RegisterBuiltins(r)
	if err := LoadDescriptionOverrides(r, filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}
}

func TestLoadDescriptionOverridesAppliesDescription(t *testing.T) {
	r := New()
	RegisterBuiltins(r)

	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	content := "tools:\n  read_file: \"Custom description\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := LoadDescriptionOverrides(r, path); err != nil {
		t.Fatalf("LoadDescriptionOverrides: %v", err)
	}

	var found bool
	for _, d := range r.ListTools() {
		if d.Name == "read_file" {
			found = true
			if d.Description != "Custom description" {
				t.Errorf("description = %q", d.Description)
			}
		}
	}
	if !found {
		t.Fatal("read_file tool not found")
	}
}

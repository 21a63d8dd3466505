package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewiresh/lspbridge/internal/lspclient"
	"github.com/codewiresh/lspbridge/internal/protocol"
	"github.com/codewiresh/lspbridge/internal/requestarena"
	"github.com/codewiresh/lspbridge/internal/toolregistry"
)

type initializeParams struct {
	ProtocolVersion json.RawMessage `json:"protocolVersion"`
}

func (s *Server) handleInitialize(env protocol.Envelope) {
	if env.ID == nil {
		return
	}
	id := *env.ID

	if s.state != Uninitialized {
		s.writeError(id, protocol.NewError(protocol.CodeInvalidRequest, "initialize already in progress or complete", nil))
		return
	}

	var params initializeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.writeError(id, protocol.NewError(protocol.CodeInvalidParams, "invalid initialize params: "+err.Error(), nil))
		return
	}
	var version string
	if err := json.Unmarshal(params.ProtocolVersion, &version); err != nil || version == "" {
		s.writeError(id, protocol.NewError(protocol.CodeInvalidParams, "protocolVersion must be a non-empty string", nil))
		return
	}

	matched := ""
	for _, v := range SupportedProtocolVersions {
		if v == version {
			matched = v
			break
		}
	}
	if matched == "" {
		s.writeError(id, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unsupported protocolVersion %q, supported: %v", version, SupportedProtocolVersions), nil))
		return
	}

	result := map[string]any{
		"protocolVersion": matched,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}
	s.state = Initializing
	s.writeResult(id, result)
}

func (s *Server) handleInitialized() {
	s.state = Running
}

func (s *Server) handleShutdown(env protocol.Envelope) {
	s.state = Shutdown
	if env.ID != nil {
		s.writeResult(*env.ID, nil)
	}
}

func (s *Server) handleResourcesList(env protocol.Envelope) {
	if env.ID == nil {
		return
	}
	s.writeResult(*env.ID, map[string]any{"resources": []any{}})
}

func (s *Server) handlePing(env protocol.Envelope) {
	if env.ID == nil {
		return
	}
	s.writeResult(*env.ID, map[string]any{})
}

func (s *Server) handleToolsList(env protocol.Envelope) {
	if env.ID == nil {
		return
	}
	descriptors := s.registry.ListTools()
	s.writeResult(*env.ID, map[string]any{"tools": descriptors})
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(arena *requestarena.Arena, env protocol.Envelope) {
	if env.ID == nil {
		return
	}
	id := *env.ID

	var params toolsCallParams
	if err := json.Unmarshal(env.Params, &params); err != nil || params.Name == "" {
		s.writeError(id, protocol.NewError(protocol.CodeInvalidParams, "tools/call requires a tool name", nil))
		return
	}

	ctx := &toolregistry.ToolContext{
		LSP:       s.lsp,
		Docs:      s.docs,
		Workspace: s.workspace,
		Arena:     arena,
		Policy:    s.policyGate,
		Binaries:  s.binaries,
		Log:       s.log,
	}

	text, err := s.registry.Dispatch(ctx, params.Name, params.Arguments)
	if err != nil && isTransientSouthError(err) && s.supervisor != nil {
		text, err = s.reconnectAndRetry(ctx, params.Name, params.Arguments, err)
	}

	if err != nil {
		s.writeResult(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		})
		return
	}
	s.writeResult(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

// isTransientSouthError reports whether err is one of the transient south
// errors that warrant a reconnect-and-retry cycle.
func isTransientSouthError(err error) bool {
	if errors.Is(err, lspclient.ErrNotConnected) || errors.Is(err, lspclient.ErrNoResponse) {
		return true
	}
	var lspErr *lspclient.LspError
	return errors.As(err, &lspErr)
}

// reconnectAndRetry disconnects the LSP client, restarts the supervised
// child, reconnects, replays the handshake and open documents, then
// re-runs the original tool call exactly once. If any step before the
// retry fails, the original error is what surfaces.
func (s *Server) reconnectAndRetry(ctx *toolregistry.ToolContext, name string, args json.RawMessage, origErr error) (string, error) {
	s.log.Warn("transient south error, attempting reconnect", "tool", name, "err", origErr)

	s.lsp.Disconnect()

	pipes, err := s.supervisor.Restart()
	if err != nil {
		return "", origErr
	}

	s.lsp.Connect(pipes.Stdin, pipes.Stdout, pipes.Stderr)
	s.supervisor.DetachPipes()

	if _, err := s.lsp.Initialize(s.workspace.URI); err != nil {
		return "", origErr
	}

	s.docs.ReopenAll(s.lsp)

	return s.registry.Dispatch(ctx, name, args)
}

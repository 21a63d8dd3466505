// Package server implements the north-side JSON-RPC state machine: protocol
// version negotiation, initialization gating, built-in method handlers,
// tool dispatch, and the one-shot reconnect/retry cycle for transient
// south-side failures.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/codewiresh/lspbridge/internal/doctracker"
	"github.com/codewiresh/lspbridge/internal/lspclient"
	"github.com/codewiresh/lspbridge/internal/northio"
	"github.com/codewiresh/lspbridge/internal/policy"
	"github.com/codewiresh/lspbridge/internal/protocol"
	"github.com/codewiresh/lspbridge/internal/requestarena"
	"github.com/codewiresh/lspbridge/internal/supervisor"
	"github.com/codewiresh/lspbridge/internal/toolregistry"
)

// State is the four-valued server state machine.
type State int

const (
	Uninitialized State = iota
	Initializing
	Running
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ServerName and ServerVersion appear in every InitializeResult.
const (
	ServerName    = "lspbridge"
	ServerVersion = "0.1.0"
)

// SupportedProtocolVersions lists the protocol versions this bridge can
// negotiate, most-preferred first.
var SupportedProtocolVersions = []string{"2025-06-18", "2024-11-05"}

// Server is the north-side JSON-RPC loop. It holds non-owning references
// to every collaborator; all of them outlive the Server itself.
type Server struct {
	north      *northio.Transport
	registry   *toolregistry.Registry
	supervisor *supervisor.Supervisor
	lsp        *lspclient.Client
	docs       *doctracker.Tracker
	policyGate *policy.Gate
	binaries   toolregistry.Binaries
	workspace  toolregistry.Workspace
	log        *slog.Logger

	instanceID string
	state      State
}

// New composes a Server from its collaborators. north and registry must be
// non-nil. lsp, docs, and policyGate are only handed to tool handlers and
// used by the reconnect cycle. supervisor may be nil, in which case no
// reconnect is attempted. The logger gets the instance id attached to every
// line.
func New(
	north *northio.Transport,
	registry *toolregistry.Registry,
	sup *supervisor.Supervisor,
	lsp *lspclient.Client,
	docs *doctracker.Tracker,
	policyGate *policy.Gate,
	binaries toolregistry.Binaries,
	workspace toolregistry.Workspace,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)
	return &Server{
		north:      north,
		registry:   registry,
		supervisor: sup,
		lsp:        lsp,
		docs:       docs,
		policyGate: policyGate,
		binaries:   binaries,
		workspace:  workspace,
		log:        log,
		instanceID: instanceID,
		state:      Uninitialized,
	}
}

// State returns the server's current state. Intended for tests; the main
// loop is single-threaded so no synchronization is needed.
func (s *Server) State() State { return s.state }

// Run drives the main loop. It returns nil on clean EOF of the north
// transport or once a shutdown request has been processed, and an error if
// reading the north transport fails.
func (s *Server) Run() error {
	for {
		raw, err := s.north.Read()
		if err != nil {
			if errors.Is(err, northio.ErrNoMoreMessages) {
				s.log.Info("north transport closed, exiting")
				return nil
			}
			return fmt.Errorf("server: north read: %w", err)
		}

		func() {
			arena := requestarena.New()
			defer arena.Release()
			s.handleMessage(arena, raw)
		}()

		if s.state == Shutdown {
			return nil
		}
	}
}

// handleMessage parses and dispatches one north-side message, writing a
// response if one is required. Panics from handler code are converted to
// -32603 internal errors so a single bad request never kills the process.
func (s *Server) handleMessage(arena *requestarena.Arena, raw []byte) {
	var id *protocol.ID
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic handling message", "recover", r)
			if id != nil {
				s.writeError(*id, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("internal error: %v", r), nil))
			}
		}
	}()

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.writeError(protocol.NullID(), protocol.NewError(protocol.CodeParseError, "parse error: "+err.Error(), nil))
		return
	}
	if _, ok := probe.(map[string]any); !ok {
		s.writeError(protocol.NullID(), protocol.NewError(protocol.CodeInvalidRequest, "request must be a JSON object", nil))
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.writeError(protocol.NullID(), protocol.NewError(protocol.CodeParseError, "parse error: "+err.Error(), nil))
		return
	}
	id = env.ID

	if env.ID != nil && env.Method == "" {
		s.writeError(*env.ID, protocol.NewError(protocol.CodeInvalidRequest, "request carries an id but no method", nil))
		return
	}

	if !s.methodAllowed(env.Method) {
		if env.ID != nil {
			s.writeError(*env.ID, protocol.NewError(protocol.CodeServerNotInitialized, fmt.Sprintf("method %q not allowed in state %s", env.Method, s.state), nil))
		}
		return
	}

	s.dispatch(arena, env)
}

// methodAllowed enforces the initialization gating table.
func (s *Server) methodAllowed(method string) bool {
	switch s.state {
	case Uninitialized:
		return method == "initialize" || method == "ping" || method == "shutdown"
	case Initializing:
		return method == "initialized" || method == "notifications/initialized" || method == "ping" || method == "shutdown"
	default:
		return true
	}
}

func (s *Server) dispatch(arena *requestarena.Arena, env protocol.Envelope) {
	switch env.Method {
	case "initialize":
		s.handleInitialize(env)
	case "initialized", "notifications/initialized":
		s.handleInitialized()
	case "shutdown":
		s.handleShutdown(env)
	case "tools/list":
		s.handleToolsList(env)
	case "tools/call":
		s.handleToolsCall(arena, env)
	case "resources/list":
		s.handleResourcesList(env)
	case "ping":
		s.handlePing(env)
	default:
		if env.ID != nil {
			s.writeError(*env.ID, protocol.NewError(protocol.CodeMethodNotFound, fmt.Sprintf("method not found: %s", env.Method), nil))
		}
	}
}

func (s *Server) writeResult(id protocol.ID, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.writeError(id, protocol.NewError(protocol.CodeInternalError, "marshaling result: "+err.Error(), nil))
		return
	}
	s.write(protocol.ResultResponse(id, data))
}

func (s *Server) writeError(id protocol.ID, err *protocol.Error) {
	s.write(protocol.ErrorResponse(id, err))
}

func (s *Server) write(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("marshaling response", "err", err)
		return
	}
	if err := s.north.Write(data); err != nil {
		s.log.Error("writing north response", "err", err)
	}
}

// Package lspclient issues correlated requests and fire-and-forget
// notifications to a language server over the south transport. A
// background reader goroutine demultiplexes replies to whichever caller is
// waiting on the matching id.
package lspclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/lspbridge/internal/protocol"
	"github.com/codewiresh/lspbridge/internal/southio"
)

// South-side errors. ErrNotConnected and ErrNoResponse (together with
// *LspError) are the transient errors the server's tool-call path retries
// via a reconnect cycle; ErrTimeout is not retried.
var (
	ErrNotConnected = errors.New("lspclient: not connected")
	ErrNoResponse   = errors.New("lspclient: no response")
	ErrTimeout      = errors.New("lspclient: request timed out")
)

// LspError wraps a failure to encode or write a south-side message, or an
// unusable reply to the initialize handshake; it is also treated as
// transient by the server.
type LspError struct{ Err error }

func (e *LspError) Error() string { return fmt.Sprintf("lspclient: %v", e.Err) }
func (e *LspError) Unwrap() error { return e.Err }

const defaultTimeout = 30 * time.Second

type waiter struct {
	done chan struct{}
	resp []byte // set by the reader before done is closed; nil means "no response"
}

// Client is the concurrent request/response correlator for the south
// transport. The zero value is not usable; construct with New.
type Client struct {
	log     *slog.Logger
	timeout time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*waiter
	running atomic.Bool

	writer *southio.Writer

	stdin  io.Closer
	stdout io.Closer
	stderr io.Closer

	group *errgroup.Group
}

// New builds an unconnected Client. timeout <= 0 uses the default of 30s.
func New(log *slog.Logger, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{log: log, timeout: timeout, pending: make(map[int64]*waiter)}
}

// Connect wires the client to a freshly spawned child's pipes, starting a
// reader goroutine on stdout and, if stderr is non-nil, a drain goroutine
// on stderr.
func (c *Client) Connect(stdin io.WriteCloser, stdout io.ReadCloser, stderr io.ReadCloser) {
	c.mu.Lock()
	c.writer = southio.NewWriter(stdin)
	c.stdin, c.stdout, c.stderr = stdin, stdout, stderr
	c.mu.Unlock()

	c.running.Store(true)

	g := &errgroup.Group{}
	c.group = g
	g.Go(func() error {
		c.readLoop(southio.NewReader(stdout))
		return nil
	})
	if stderr != nil {
		g.Go(func() error {
			c.drainStderr(stderr)
			return nil
		})
	}
}

// Running reports whether the client currently believes it has a live
// south connection.
func (c *Client) Running() bool { return c.running.Load() }

// SendRequest writes a framed request and blocks until a matching reply
// arrives or the deadline elapses.
func (c *Client) SendRequest(method string, params json.RawMessage) (json.RawMessage, error) {
	if !c.running.Load() {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	w := &waiter{done: make(chan struct{})}

	c.mu.Lock()
	c.pending[id] = w
	writer := c.writer
	c.mu.Unlock()

	env := protocol.Request(protocol.IntID(id), method, params)
	data, err := json.Marshal(env)
	if err != nil {
		c.removeWaiter(id)
		return nil, &LspError{Err: err}
	}
	if err := writer.Write(data); err != nil {
		c.removeWaiter(id)
		return nil, &LspError{Err: err}
	}

	select {
	case <-w.done:
		if w.resp == nil {
			return nil, ErrNoResponse
		}
		return w.resp, nil
	case <-time.After(c.timeout):
		if !c.removeWaiter(id) {
			// The reader won the race right as the timer fired.
			<-w.done
			if w.resp == nil {
				return nil, ErrNoResponse
			}
			return w.resp, nil
		}
		return nil, ErrTimeout
	}
}

// removeWaiter deletes id from the pending table if still present,
// reporting whether it did so.
func (c *Client) removeWaiter(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// SendNotification writes a framed message with no id and expects no reply.
func (c *Client) SendNotification(method string, params json.RawMessage) error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	env := protocol.Notification(method, params)
	data, err := json.Marshal(env)
	if err != nil {
		return &LspError{Err: err}
	}
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if err := writer.Write(data); err != nil {
		return &LspError{Err: err}
	}
	return nil
}

// initializeParams is the fixed client-capability document sent on every handshake.
type initializeParams struct {
	ProcessID    any            `json:"processId"`
	RootURI      string         `json:"rootUri"`
	Capabilities map[string]any `json:"capabilities"`
}

var fixedClientCapabilities = map[string]any{
	"workspace": map[string]any{
		"workspaceFolders": true,
		"didChangeWatchedFiles": map[string]any{
			"dynamicRegistration": false,
		},
	},
	"textDocument": map[string]any{
		"synchronization": map[string]any{
			"didSave": true,
		},
		"hover":      map[string]any{"contentFormat": []string{"plaintext", "markdown"}},
		"definition": map[string]any{"linkSupport": false},
		"completion": map[string]any{"completionItem": map[string]any{"snippetSupport": false}},
	},
}

// Initialize performs the LSP handshake: an initialize request against
// workspaceURI followed by an initialized notification with an explicit
// empty-object params payload.
func (c *Client) Initialize(workspaceURI string) (json.RawMessage, error) {
	params, err := json.Marshal(initializeParams{
		ProcessID:    nil,
		RootURI:      workspaceURI,
		Capabilities: fixedClientCapabilities,
	})
	if err != nil {
		return nil, &LspError{Err: err}
	}

	raw, err := c.SendRequest("initialize", params)
	if err != nil {
		return nil, err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &LspError{Err: fmt.Errorf("parsing initialize reply: %w", err)}
	}
	if env.Error != nil {
		return nil, &LspError{Err: env.Error}
	}

	if err := c.SendNotification("initialized", json.RawMessage(`{}`)); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// Disconnect stops the client: it marks the client not-running, closes the
// owned pipes (unblocking the reader and stderr-drain goroutines via EOF),
// and joins both before returning. Pending waiters are signaled by the
// reader loop's own shutdown path.
func (c *Client) Disconnect() {
	c.running.Store(false)

	c.mu.Lock()
	stdin, stdout, stderr := c.stdin, c.stdout, c.stderr
	c.stdin, c.stdout, c.stderr = nil, nil, nil
	group := c.group
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if stdout != nil {
		stdout.Close()
	}
	if stderr != nil {
		stderr.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
}

// readLoop repeatedly reads a framed message from the south transport and
// dispatches it to the matching waiter. It exits on EOF or I/O error,
// signaling every still-pending waiter with no stored response.
func (c *Client) readLoop(r *southio.Reader) {
	defer c.drainPending()

	for {
		body, err := r.Read()
		if err != nil {
			c.log.Warn("south transport read error", "err", err)
			return
		}
		if body == nil {
			c.log.Info("south transport closed")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.log.Warn("south transport: malformed message, dropping", "err", err)
			continue
		}
		if env.ID == nil || !env.ID.Present || env.ID.IsString || env.ID.IsNull {
			continue // notifications and non-integer ids are dropped
		}

		c.mu.Lock()
		w, ok := c.pending[env.ID.IntValue]
		if ok {
			delete(c.pending, env.ID.IntValue)
		}
		c.mu.Unlock()
		if !ok {
			continue // unmatched id: late timeout or unsolicited response
		}

		full := make([]byte, len(body))
		copy(full, body)
		w.resp = full
		close(w.done)
	}
}

func (c *Client) drainPending() {
	c.running.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, w := range c.pending {
		delete(c.pending, id)
		close(w.done)
	}
}

// drainStderr copies the child's stderr to the log line by line until EOF.
func (c *Client) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			for {
				idx := bytes.IndexByte(carry, '\n')
				if idx < 0 {
					break
				}
				line := carry[:idx]
				carry = carry[idx+1:]
				if len(line) > 0 {
					c.log.Debug("language server stderr", "line", string(line))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

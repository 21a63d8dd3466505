package lspclient

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/lspbridge/internal/protocol"
	"github.com/codewiresh/lspbridge/internal/southio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer echoes back a response for every request it reads, using the
// request's own id, until its input pipe closes.
type fakeServer struct {
	in  io.ReadCloser
	out io.WriteCloser

	mu       sync.Mutex
	requests []protocol.Envelope
}

func newFakeServer(in io.ReadCloser, out io.WriteCloser) *fakeServer {
	fs := &fakeServer{in: in, out: out}
	go fs.loop()
	return fs
}

func (fs *fakeServer) loop() {
	r := southio.NewReader(fs.in)
	w := southio.NewWriter(fs.out)
	for {
		body, err := r.Read()
		if err != nil || body == nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			continue
		}
		fs.mu.Lock()
		fs.requests = append(fs.requests, env)
		fs.mu.Unlock()

		if env.ID == nil {
			continue // notification, no reply
		}
		var result json.RawMessage
		if env.Method == "initialize" {
			result = json.RawMessage(`{"capabilities":{}}`)
		} else {
			result = json.RawMessage(`{"echo":true}`)
		}
		resp := protocol.ResultResponse(*env.ID, result)
		data, _ := json.Marshal(resp)
		_ = w.Write(data)
	}
}

func newConnectedClient(t *testing.T, timeout time.Duration) (*Client, *fakeServer, func()) {
	t.Helper()
	clientStdinR, clientStdinW := io.Pipe()
	serverStdoutR, serverStdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	fs := newFakeServer(clientStdinR, serverStdoutW)

	c := New(discardLogger(), timeout)
	c.Connect(clientStdinW, serverStdoutR, stderrR)

	cleanup := func() {
		c.Disconnect()
		stderrW.Close()
	}
	return c, fs, cleanup
}

func TestSendRequestReturnsMatchingResponse(t *testing.T) {
	c, _, cleanup := newConnectedClient(t, time.Second)
	defer cleanup()

	result, err := c.SendRequest("textDocument/hover", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(result, &env); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if string(env.Result) != `{"echo":true}` {
		t.Errorf("got result %s", env.Result)
	}
}

func TestConcurrentSendRequestsGetOwnResponses(t *testing.T) {
	c, _, cleanup := newConnectedClient(t, 2*time.Second)
	defer cleanup()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.SendRequest("ping", json.RawMessage(`{}`))
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}
}

func TestInitializeHandshake(t *testing.T) {
	c, fs, cleanup := newConnectedClient(t, time.Second)
	defer cleanup()

	if _, err := c.Initialize("file:///workspace"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the initialized notification land
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.requests) != 2 {
		t.Fatalf("expected 2 messages (initialize + initialized), got %d", len(fs.requests))
	}
	if fs.requests[0].Method != "initialize" {
		t.Errorf("first message method = %q", fs.requests[0].Method)
	}
	if fs.requests[1].Method != "initialized" {
		t.Errorf("second message method = %q", fs.requests[1].Method)
	}
	if string(fs.requests[1].Params) != "{}" {
		t.Errorf("initialized params = %s, want {}", fs.requests[1].Params)
	}
}

func TestSendRequestTimesOut(t *testing.T) {
	clientStdinR, clientStdinW := io.Pipe()
	serverStdoutR, _ := io.Pipe()
	stderrR, _ := io.Pipe()

	// Drain but never answer.
	go func() {
		r := southio.NewReader(clientStdinR)
		for {
			if _, err := r.Read(); err != nil {
				return
			}
		}
	}()

	c := New(discardLogger(), 30*time.Millisecond)
	c.Connect(clientStdinW, serverStdoutR, stderrR)
	defer c.Disconnect()

	_, err := c.SendRequest("ping", json.RawMessage(`{}`))
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestDisconnectStopsClientAndRejectsNewRequests(t *testing.T) {
	c, _, _ := newConnectedClient(t, 2*time.Second)
	c.Disconnect()

	if c.Running() {
		t.Error("expected client to report not running after Disconnect")
	}
	if _, err := c.SendRequest("ping", json.RawMessage(`{}`)); err != ErrNotConnected {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

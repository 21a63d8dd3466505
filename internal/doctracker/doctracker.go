// Package doctracker remembers which documents have been opened with the
// language server, opening them lazily on first access and replaying the
// opens after a supervisor restart.
package doctracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/codewiresh/lspbridge/internal/pathutil"
)

// MaxFileSize bounds how large a file ensureOpen will read into memory.
const MaxFileSize = 10 << 20 // 10 MiB

var (
	// ErrFileNotFound is returned when the underlying file does not exist.
	ErrFileNotFound = errors.New("doctracker: file not found")
	// ErrFileReadError wraps any other I/O failure reading the file.
	ErrFileReadError = errors.New("doctracker: file read error")
)

// Notifier is the subset of the LSP client the tracker needs: fire-and-forget notifications.
type Notifier interface {
	SendNotification(method string, params json.RawMessage) error
}

type openDoc struct {
	uri     string
	version int
}

// Tracker owns the set of documents currently open in the language-server
// session. All mutation happens under mu, and the slow path in ensureOpen
// holds mu across both the didOpen send and the map insert so a failed
// send never leaves a partial entry.
type Tracker struct {
	languageID string
	log        *slog.Logger

	mu   sync.Mutex
	docs map[string]*openDoc // key: uri
}

// New builds an empty Tracker. languageID is sent as the didOpen
// textDocument/languageId for every document.
func New(languageID string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{languageID: languageID, log: log, docs: make(map[string]*openDoc)}
}

// EnsureOpen resolves filePath to an absolute path, and if it is not
// already open, reads it, sends didOpen, and records it. It returns the
// file's URI. Already-open documents take a fast path with no I/O.
func (t *Tracker) EnsureOpen(client Notifier, filePath string) (string, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("doctracker: resolving %q: %w", filePath, err)
	}
	uri := pathutil.PathToURI(abs)

	t.mu.Lock()
	if _, ok := t.docs[uri]; ok {
		t.mu.Unlock()
		return uri, nil
	}
	t.mu.Unlock()

	contents, err := readBounded(abs)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.docs[uri]; ok {
		// Another goroutine opened it while we were reading the file.
		return uri, nil
	}

	if err := sendDidOpen(client, uri, t.languageID, 1, contents); err != nil {
		return "", err
	}
	t.docs[uri] = &openDoc{uri: uri, version: 1}
	return uri, nil
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFileReadError, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileReadError, path, err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrFileReadError, path, MaxFileSize)
	}

	buf := make([]byte, info.Size())
	if _, err := readFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileReadError, path, err)
	}
	return buf, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// CloseDoc removes uri from the open set and emits didClose. Notification
// failures are logged but not propagated.
func (t *Tracker) CloseDoc(client Notifier, uri string) {
	t.mu.Lock()
	_, ok := t.docs[uri]
	if ok {
		delete(t.docs, uri)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := sendDidClose(client, uri); err != nil {
		t.log.Warn("didClose notification failed", "uri", uri, "err", err)
	}
}

// ReopenAll re-reads every currently tracked document from disk and
// re-issues didOpen at its stored version. This is the session-replay path
// invoked after a successful supervisor restart. Failures for individual
// files are logged and iteration continues.
func (t *Tracker) ReopenAll(client Notifier) {
	t.mu.Lock()
	snapshot := make(map[string]int, len(t.docs))
	for uri, d := range t.docs {
		snapshot[uri] = d.version
	}
	t.mu.Unlock()

	for uri, version := range snapshot {
		path, err := pathutil.URIToPath(uri)
		if err != nil {
			t.log.Warn("reopen: bad uri", "uri", uri, "err", err)
			continue
		}
		contents, err := readBounded(path)
		if err != nil {
			t.log.Warn("reopen: read failed", "uri", uri, "err", err)
			continue
		}
		if err := sendDidOpen(client, uri, t.languageID, version, contents); err != nil {
			t.log.Warn("reopen: didOpen failed", "uri", uri, "err", err)
		}
	}
}

func sendDidOpen(client Notifier, uri, languageID string, version int, text []byte) error {
	params, err := json.Marshal(map[string]any{
		"textDocument": map[string]any{
			"uri":        uri,
			"languageId": languageID,
			"version":    version,
			"text":       string(text),
		},
	})
	if err != nil {
		return fmt.Errorf("doctracker: marshaling didOpen: %w", err)
	}
	return client.SendNotification("textDocument/didOpen", params)
}

func sendDidClose(client Notifier, uri string) error {
	params, err := json.Marshal(map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
	if err != nil {
		return fmt.Errorf("doctracker: marshaling didClose: %w", err)
	}
	return client.SendNotification("textDocument/didClose", params)
}

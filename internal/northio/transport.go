// Package northio implements the newline-delimited JSON-RPC transport
// between the bridge and its AI-assistant client on stdin/stdout.
package northio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize is the largest single north-side message this transport will
// accept. Anything longer is rejected without being buffered further.
const MaxLineSize = 1 << 20 // 1 MiB

// ErrLineTooLong is returned by Read when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("northio: message exceeds 1 MiB line limit")

// ErrNoMoreMessages is returned by Read on clean EOF.
var ErrNoMoreMessages = errors.New("northio: no more messages")

// Transport is a bidirectional adapter over a reader and writer speaking
// one newline-terminated JSON message per line. Outbound writes from
// distinct goroutines are serialized so a message is never interleaved.
type Transport struct {
	scanner *bufio.Scanner
	w       io.Writer

	mu sync.Mutex
}

// New wraps r and w as a north transport. r and w are typically os.Stdin
// and os.Stdout, but tests pass in-memory pipes.
func New(r io.Reader, w io.Writer) *Transport {
	scanner := bufio.NewScanner(r)
	// The scanner's cap covers the terminating newline too.
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize+1)
	return &Transport{scanner: scanner, w: w}
}

// Read returns the next non-blank message line, with a trailing CR
// stripped. It returns ErrNoMoreMessages on clean EOF.
func (t *Transport) Read() ([]byte, error) {
	for {
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, ErrLineTooLong
				}
				return nil, fmt.Errorf("northio: read: %w", err)
			}
			return nil, ErrNoMoreMessages
		}
		line := t.scanner.Bytes()
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// Write serializes msg followed by a newline. Concurrent callers are
// serialized so a message boundary is never split.
func (t *Transport) Write(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := writeAll(t.w, msg); err != nil {
		return fmt.Errorf("northio: write: %w", err)
	}
	if _, err := writeAll(t.w, []byte{'\n'}); err != nil {
		return fmt.Errorf("northio: write newline: %w", err)
	}
	return nil
}

func writeAll(w io.Writer, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Package requestarena implements the per-request memory-lifetime
// discipline described for the server's main loop: every north-side
// message is processed under a scoped arena whose buffers are released
// together when the request finishes, on every exit path.
package requestarena

import "sync"

// Arena is a scoped allocation region for one north-side request. Alloc
// and Release take an internal mutex, though in practice one goroutine (the
// main loop) owns a request's arena for its lifetime.
type Arena struct {
	mu   sync.Mutex
	bufs [][]byte
}

// New returns a ready-to-use, empty Arena.
func New() *Arena {
	return &Arena{}
}

// Alloc returns a zeroed byte slice of length n tracked by the arena.
// Handlers may call this freely; nothing needs to be freed by hand.
func (a *Arena) Alloc(n int) []byte {
	buf := make([]byte, n)
	a.mu.Lock()
	a.bufs = append(a.bufs, buf)
	a.mu.Unlock()
	return buf
}

// Release drops the arena's references to every tracked buffer, making
// them eligible for garbage collection. Callers defer this immediately
// after acquiring the arena so it runs on every exit path, including
// panics recovered further up the call stack.
func (a *Arena) Release() {
	a.mu.Lock()
	a.bufs = nil
	a.mu.Unlock()
}

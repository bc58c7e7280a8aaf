package agentloop

import "sync"

// Shutdown is an idempotent external stop request, polled by the loop once
// per step. The zero value is not usable; call NewShutdown.
type Shutdown struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdown returns an unrequested shutdown signal.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Request asks the loop to stop at the next step boundary. Safe to call more
// than once and from any goroutine.
func (s *Shutdown) Request() {
	s.once.Do(func() { close(s.ch) })
}

// Requested reports whether Request has been called. A nil Shutdown is
// never requested.
func (s *Shutdown) Requested() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed once Request has been called.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}

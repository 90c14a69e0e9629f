package mcp2

import (
	"sync"
	"time"
)

// notifyScheduler coalesces repeated sends of a parameterless notification
// method into a single wire message per cooperative tick (invariant I4). A
// "tick" here is the shortest delay the runtime can schedule (time.AfterFunc
// with a zero duration), which collapses any calls to schedule for the same
// method made before the runtime gets back around to firing the timer.
type notifyScheduler struct {
	e       *Engine
	enabled map[string]bool

	mu      sync.Mutex
	pending map[string]bool
	closed  bool
}

func newNotifyScheduler(e *Engine, methods []string) *notifyScheduler {
	enabled := make(map[string]bool, len(methods))
	for _, m := range methods {
		enabled[m] = true
	}
	return &notifyScheduler{e: e, enabled: enabled, pending: make(map[string]bool)}
}

// debouncable reports whether method was configured for coalescing.
func (s *notifyScheduler) debouncable(method string) bool {
	return s.enabled[method]
}

// schedule marks method as having a pending send. If a send for method is
// already scheduled for this tick, schedule is a no-op.
func (s *notifyScheduler) schedule(method string) {
	s.mu.Lock()
	if s.closed || s.pending[method] {
		s.mu.Unlock()
		return
	}
	s.pending[method] = true
	s.mu.Unlock()

	time.AfterFunc(0, func() { s.flush(method) })
}

func (s *notifyScheduler) flush(method string) {
	s.mu.Lock()
	if !s.pending[method] {
		s.mu.Unlock()
		return
	}
	delete(s.pending, method)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.e.sendNotification(method, nil); err != nil {
		s.e.log("failed to send debounced notification %q: %v", method, err)
	}
}

// close discards any still-pending debounced sends; called when the
// underlying transport closes.
func (s *notifyScheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = make(map[string]bool)
}

package mcp2

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// timeoutRecord manages the lifetime of a single outbound call's timeout,
// including the optional reset-on-progress extension and the
// maxTotalTimeout ceiling described in spec §4.4.
type timeoutRecord struct {
	e    *Engine
	id   string
	prog json.RawMessage

	base       time.Duration
	resettable bool
	maxTotal   time.Duration

	mu      sync.Mutex
	started time.Time
	timer   *time.Timer
	stopped bool
}

func newTimeoutRecord(e *Engine, id string, prog json.RawMessage, base time.Duration, resettable bool, maxTotal time.Duration) *timeoutRecord {
	return &timeoutRecord{e: e, id: id, prog: prog, base: base, resettable: resettable, maxTotal: maxTotal}
}

// progressToken returns the progress token assigned to this call, if any.
func (t *timeoutRecord) progressToken() (json.RawMessage, bool) {
	return t.prog, len(t.prog) != 0
}

// start arms the timer, if a base timeout was requested.
func (t *timeoutRecord) start(_ context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = time.Now()
	if t.base > 0 {
		t.timer = time.AfterFunc(t.base, t.fire)
	}
}

// resetOnProgress restarts the per-attempt timer with the full base timeout,
// unless the time elapsed since the call started has already reached
// maxTotalTimeout, in which case the call is failed immediately with the
// elapsed/ceiling data attached.
func (t *timeoutRecord) resetOnProgress() {
	t.mu.Lock()
	if t.stopped || !t.resettable || t.base <= 0 {
		t.mu.Unlock()
		return
	}
	elapsed := time.Since(t.started)
	if t.maxTotal > 0 && elapsed >= t.maxTotal {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.stopped = true
		t.mu.Unlock()
		t.e.timeoutPending(t.id, Errorf(RequestTimeout, "maximum total timeout exceeded").WithData(map[string]int64{
			"maxTotalTimeout": int64(t.maxTotal / time.Millisecond),
			"totalElapsed":    int64(elapsed / time.Millisecond),
		}))
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.base, t.fire)
	t.mu.Unlock()
}

func (t *timeoutRecord) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.e.timeoutPending(t.id, Errorf(RequestTimeout, "request timed out"))
}

// stop disarms the timer without delivering any response; used once the
// pending call has been resolved through the normal response path.
func (t *timeoutRecord) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.stopped = true
}

// timeoutPending resolves a still-pending call with err, as if the peer had
// replied with an error response.
func (e *Engine) timeoutPending(id string, err *Error) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.ch <- &Response{id: id, err: err}:
	default:
	}
}

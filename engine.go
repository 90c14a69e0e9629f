// Package mcp2 implements a transport-agnostic, bidirectional JSON-RPC 2.0
// protocol engine for the Model Context Protocol: message framing and
// validation, request/response correlation, per-request timeouts with
// progress-based resets, debounced notification delivery, capability
// gating, and task-based ("call now, fetch later") execution.
package mcp2

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/modelctx/mcp2/metrics"
	"github.com/modelctx/mcp2/transport"
)

// New constructs an Engine bound to t. Call Start to begin processing
// inbound messages. A nil *EngineOptions selects the defaults.
func New(t transport.Transport, opts *EngineOptions) *Engine {
	e := &Engine{
		t:        t,
		opts:     opts,
		log:      opts.logFunc(),
		rpcLog:   opts.rpcLog(),
		newctx:   opts.newContext(),
		gate:     opts.capabilities(),
		strict:   opts.strict(),
		sem:      semaphore.NewWeighted(opts.concurrency()),
		handlers: make(map[string]Handler),
		notifies: make(map[string]NotificationHandler),
		pending:  make(map[string]*pendingCall),
		cancels:  make(map[string]*cancelState),
		stopc:    make(chan struct{}),
		metrics:  metrics.New(),
	}
	e.notif = newNotifyScheduler(e, opts.debounced())
	if store := opts.taskStore(); store != nil {
		e.tasks = newTaskController(e, store, opts.pollInterval())
	}
	e.installBuiltins()
	return e
}

// Engine is a single logical connection to a remote MCP peer. Unlike a
// strict client/server split, an Engine can simultaneously issue outbound
// requests/notifications and serve inbound ones, which is what MCP's
// bidirectional wire protocol requires.
type Engine struct {
	mu sync.Mutex

	t      transport.Transport
	opts   *EngineOptions
	log    func(string, ...any)
	rpcLog RPCLogger
	newctx func() context.Context
	gate   CapabilityGate
	strict bool
	sem    *semaphore.Weighted

	assigner        Assigner
	handlers        map[string]Handler
	notifies        map[string]NotificationHandler
	fallbackReq     Handler
	fallbackNotify  NotificationHandler

	nextID  int64
	pending map[string]*pendingCall
	cancels map[string]*cancelState

	notif *notifyScheduler
	tasks *taskController

	metrics metrics.Counters

	started  bool
	closing  bool
	closeErr error
	stopc    chan struct{}
	wg       sync.WaitGroup
}

// pendingCall is the outbound-call bookkeeping record for one in-flight
// request awaiting a response.
type pendingCall struct {
	method string
	ch     chan *Response
	timer  *timeoutRecord
	onProg func(ProgressUpdate)
}

// ProgressUpdate is delivered to a caller's progress callback when the peer
// sends a notifications/progress notification correlated to its request.
type ProgressUpdate struct {
	Progress float64
	Total    *float64
	Message  string
}

// Start registers the engine's callbacks with its transport and begins
// reading. It must be called at most once.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("mcp2: engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.t.SetHandlers(e.handleInbound, e.handleTransportError, e.handleClose)
	return e.t.Start()
}

// Stop closes the underlying transport and resolves every outstanding
// outbound call with ConnectionClosed (invariant I6).
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closeErr == nil {
		e.closeErr = ErrEngineStopped
	}
	e.mu.Unlock()
	return e.t.Close()
}

// Wait blocks until the engine has fully shut down (the transport reported
// close and all in-flight handler goroutines have returned), and returns
// the reason the engine stopped, or nil for a clean shutdown.
func (e *Engine) Wait() error {
	<-e.stopc
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeErr == ErrEngineStopped {
		return nil
	}
	return e.closeErr
}

func (e *Engine) handleTransportError(err error) {
	e.log("transport error: %v", err)
}

func (e *Engine) handleClose() {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return
	}
	e.closing = true
	if e.closeErr == nil {
		e.closeErr = ErrConnClosed
	}
	pending := e.pending
	e.pending = make(map[string]*pendingCall)
	cancels := e.cancels
	e.cancels = make(map[string]*cancelState)
	e.mu.Unlock()

	// I6: every outstanding outbound waiter is resolved exactly once.
	for _, p := range pending {
		p.timer.stop()
		select {
		case p.ch <- &Response{err: &Error{Code: ConnectionClosed, Message: "connection closed"}}:
		default:
		}
		close(p.ch)
	}
	for _, cs := range cancels {
		cs.cancel()
	}
	e.notif.close()
	e.metrics.Stopped()
	close(e.stopc)
}

// handleInbound classifies and dispatches one inbound wire message. It is
// invoked by the transport, possibly concurrently with other calls if the
// transport chooses to parallelize reads; Engine does not assume otherwise.
func (e *Engine) handleInbound(raw []byte) {
	var batch jmessages
	if err := batch.parseJSON(raw); err != nil {
		e.sendError(nil, Errorf(InvalidRequest, "invalid message: %v", err))
		return
	}
	if len(batch) == 0 {
		e.sendError(nil, Errorf(InvalidRequest, "empty batch"))
		return
	}
	for _, msg := range batch {
		e.handleOne(msg)
	}
}

func (e *Engine) handleOne(msg *jmessage) {
	if msg.err != nil {
		e.sendError(fixID(msg.ID), msg.err)
		return
	}
	switch {
	case msg.isNotification():
		e.dispatchNotification(msg)
	case msg.isRequestOrNotification():
		e.dispatchRequest(msg)
	default:
		e.handleResponse(msg)
	}
}

func (e *Engine) sendError(id []byte, err *Error) {
	out := &jmessage{V: Version, ID: id, E: err}
	bits, merr := out.toJSON()
	if merr != nil {
		e.log("failed to encode error reply: %v", merr)
		return
	}
	if serr := e.t.Send(bits); serr != nil {
		e.log("failed to send error reply: %v", serr)
	}
}

package mcp2

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/modelctx/mcp2/code"
)

// cancelState tracks one in-flight inbound request's cancel func alongside
// whether a notifications/cancelled notification, rather than the request's
// own ordinary completion, is what triggered it.
type cancelState struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Handle registers h as the handler for inbound requests named method,
// replacing any previous registration. It fails if the capability gate
// rejects method for handling.
func (e *Engine) Handle(method string, h Handler) error {
	if !e.gate.AllowHandle(method, false) {
		return errCapability(method)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
	return nil
}

// HandleNotification registers h as the handler for inbound notifications
// named method.
func (e *Engine) HandleNotification(method string, h NotificationHandler) error {
	if !e.gate.AllowHandle(method, true) {
		return errCapability(method)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifies[method] = h
	return nil
}

// SetAssigner installs a fallback Assigner consulted for any method with no
// directly registered Handle. This lets callers use handler.Map or
// handler.ServiceMap to build a static method table instead of calling
// Handle per method.
func (e *Engine) SetAssigner(a Assigner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigner = a
}

// SetFallbackRequest installs h as the handler invoked for any request
// method with no other registration.
func (e *Engine) SetFallbackRequest(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbackReq = h
}

// SetFallbackNotification installs h as the handler invoked for any
// notification method with no other registration.
func (e *Engine) SetFallbackNotification(h NotificationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbackNotify = h
}

func (e *Engine) resolveRequest(ctx context.Context, method string) Handler {
	e.mu.Lock()
	h, ok := e.handlers[method]
	assigner := e.assigner
	fallback := e.fallbackReq
	e.mu.Unlock()
	if ok {
		return h
	}
	if assigner != nil {
		if h := assigner.Assign(ctx, method); h != nil {
			return h
		}
	}
	return fallback
}

func (e *Engine) resolveNotification(method string) NotificationHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.notifies[method]; ok {
		return h
	}
	return e.fallbackNotify
}

// installBuiltins wires the handlers every Engine supports regardless of
// application registrations: health-check ping, cancellation and progress
// notifications, and (when a TaskStore is configured) the tasks/* family.
func (e *Engine) installBuiltins() {
	e.handlers["ping"] = func(context.Context, *Request) (any, error) {
		return map[string]any{}, nil
	}
	e.notifies["notifications/cancelled"] = e.handleCancelledNotification
	e.notifies["notifications/progress"] = e.handleProgressNotification

	if e.tasks != nil && e.gate.AllowTasks() {
		e.handlers["tasks/get"] = e.tasks.handleGet
		e.handlers["tasks/result"] = e.tasks.handleResult
		e.handlers["tasks/list"] = e.tasks.handleList
		e.handlers["tasks/cancel"] = e.tasks.handleCancel
		e.handlers["tasks/delete"] = e.tasks.handleDelete
	}
}

func (e *Engine) handleCancelledNotification(_ context.Context, req *Request) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := req.UnmarshalParams(&params); err != nil {
		e.log("malformed cancellation notification: %v", err)
		return
	}
	e.mu.Lock()
	cs, ok := e.cancels[string(params.RequestID)]
	e.mu.Unlock()
	if ok {
		cs.aborted.Store(true)
		cs.cancel()
	}
}

func (e *Engine) handleProgressNotification(_ context.Context, req *Request) {
	var params struct {
		ProgressToken json.RawMessage `json:"progressToken"`
		Progress      float64         `json:"progress"`
		Total         *float64        `json:"total,omitempty"`
		Message       string          `json:"message,omitempty"`
	}
	if err := req.UnmarshalParams(&params); err != nil {
		e.log("malformed progress notification: %v", err)
		return
	}
	e.mu.Lock()
	var p *pendingCall
	for _, cand := range e.pending {
		tok, ok := cand.timer.progressToken()
		if ok && string(tok) == string(params.ProgressToken) {
			p = cand
			break
		}
	}
	e.mu.Unlock()
	if p == nil {
		return // unknown progress token: silently ignored per spec boundary behavior
	}
	p.timer.resetOnProgress()
	if p.onProg != nil {
		p.onProg(ProgressUpdate{Progress: params.Progress, Total: params.Total, Message: params.Message})
	}
}

// dispatchRequest handles one inbound request message, invoking the
// assigned handler under the engine's concurrency semaphore and replying
// with either its result or a mapped error.
func (e *Engine) dispatchRequest(msg *jmessage) {
	req := &Request{id: msg.ID, method: msg.M, params: msg.P, meta: parseMeta(msg.P)}
	reqID := req.ID()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := e.newctx()
		ctx, cancel := context.WithCancel(ctx)
		cs := &cancelState{cancel: cancel}
		e.mu.Lock()
		e.cancels[reqID] = cs
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, reqID)
			e.mu.Unlock()
			cancel()
		}()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			if !cs.aborted.Load() {
				e.replyError(reqID, Errorf(Cancelled, "request cancelled before dispatch"))
			}
			return
		}
		defer e.sem.Release(1)

		ctx = context.WithValue(ctx, inboundRequestKey{}, req)
		ctx = context.WithValue(ctx, engineKey{}, e)
		if taskID, ok := req.meta.RelatedTaskID(); ok && e.tasks != nil {
			ctx = context.WithValue(ctx, taskFacadeKey{}, e.tasks.facadeFor(taskID))
		}

		e.rpcLog.LogRequest(ctx, req)

		h := e.resolveRequest(ctx, req.method)
		if h == nil {
			e.replyError(reqID, Errorf(MethodNotFound, "no such method %q", req.method))
			return
		}

		if task, ok := decodeTaskRequest(req.params, req.meta); ok && e.tasks != nil && e.gate.AllowTasks() {
			e.tasks.runAsTask(ctx, req, h, task)
			return
		}

		result, err := h(ctx, req)
		if cs.aborted.Load() {
			// spec: cancellation is never an error response; the handler
			// simply produces no reply once its scope has been aborted.
			return
		}
		e.replyResult(reqID, result, err)
	}()
}

func (e *Engine) dispatchNotification(msg *jmessage) {
	req := &Request{method: msg.M, params: msg.P, meta: parseMeta(msg.P)}
	h := e.resolveNotification(req.method)
	if h == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := e.newctx()
		ctx = context.WithValue(ctx, inboundRequestKey{}, req)
		ctx = context.WithValue(ctx, engineKey{}, e)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		h(ctx, req)
		e.metrics.NotificationRecv()
	}()
}

func (e *Engine) replyResult(id string, result any, err error) {
	if err != nil {
		e.replyError(id, toError(err))
		return
	}
	bits, merr := json.Marshal(result)
	if merr != nil {
		e.replyError(id, Errorf(InternalError, "marshal result: %v", merr))
		return
	}
	e.metrics.RequestHandled(false)
	out := &jmessage{V: Version, ID: json.RawMessage(id), R: bits}
	e.sendMessage(out)
}

func (e *Engine) replyError(id string, err *Error) {
	e.metrics.RequestHandled(true)
	out := &jmessage{V: Version, ID: json.RawMessage(id), E: err}
	e.sendMessage(out)
}

func (e *Engine) sendMessage(out *jmessage) {
	bits, err := out.toJSON()
	if err != nil {
		e.log("failed to encode reply: %v", err)
		return
	}
	if err := e.t.Send(bits); err != nil {
		e.log("failed to send reply: %v", err)
	}
}

// toError maps an arbitrary handler error to a protocol Error, honoring
// context.Canceled/DeadlineExceeded and any ErrCoder implementation.
func toError(err error) *Error {
	if merr, ok := AsError(err); ok {
		return merr
	}
	if err == context.Canceled {
		return &Error{Code: Cancelled, Message: err.Error()}
	}
	if err == context.DeadlineExceeded {
		return &Error{Code: RequestTimeout, Message: err.Error()}
	}
	if c := code.FromError(err); c != InternalError {
		return &Error{Code: c, Message: err.Error()}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

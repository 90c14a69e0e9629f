package mcp2

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// RequestOptions customizes an outbound Call.
type RequestOptions struct {
	// OnProgress, if set, is invoked for every notifications/progress
	// message the peer correlates to this request via progress token. For a
	// task-bound call it is also invoked once per tasks/get poll, with
	// Progress 0, Total 1 and the task's status message.
	OnProgress func(ProgressUpdate)

	// Timeout bounds how long Call waits for a response before it is
	// cancelled with code.RequestTimeout. Zero means no timeout.
	Timeout time.Duration

	// ResetTimeoutOnProgress restarts the full Timeout countdown every time
	// a correlated progress notification arrives (spec §4.4).
	ResetTimeoutOnProgress bool

	// MaxTotalTimeout bounds the progress resets: a correlated progress
	// notification arriving once this much time has passed since the call
	// was sent fails the call with code.RequestTimeout instead of restarting
	// the timer. A timer restarted before that point still runs its full
	// Timeout, so Call can wait up to MaxTotalTimeout plus Timeout. Zero
	// means no ceiling.
	MaxTotalTimeout time.Duration

	// Task, if set, requests task-based execution: the peer may promote
	// this request to a durable task instead of answering it inline.
	Task *TaskCreationParams

	// RelatedTaskID, if set, tags this request/notification as a
	// side-channel of the named task (spec §4.8 "related task tag").
	RelatedTaskID string
}

func (o *RequestOptions) progressWanted() bool { return o != nil && o.OnProgress != nil }
func (o *RequestOptions) onProgress() func(ProgressUpdate) {
	if o == nil {
		return nil
	}
	return o.OnProgress
}
func (o *RequestOptions) timeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.Timeout
}
func (o *RequestOptions) resetOnProgress() bool { return o != nil && o.ResetTimeoutOnProgress }
func (o *RequestOptions) maxTotal() time.Duration {
	if o == nil {
		return 0
	}
	return o.MaxTotalTimeout
}
func (o *RequestOptions) task() *TaskCreationParams {
	if o == nil {
		return nil
	}
	return o.Task
}
func (o *RequestOptions) relatedTask() string {
	if o == nil {
		return ""
	}
	return o.RelatedTaskID
}

// Call sends method with the given params as an outbound request and blocks
// for the response (or for opts' timeout, or task completion if the call is
// task-bound). A nil opts uses the defaults (no timeout, no task).
func (e *Engine) Call(ctx context.Context, method string, params any, opts *RequestOptions) (*Response, error) {
	if e.strict && !e.gate.AllowSend(method, false) {
		return nil, errCapability(method)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, Errorf(InvalidParams, "marshal params: %v", err)
	}

	var progressTok json.RawMessage
	if opts.progressWanted() {
		progressTok = e.newProgressToken()
	}
	raw, err = augmentMeta(raw, progressTok, opts.relatedTask(), opts.task())
	if err != nil {
		return nil, Errorf(InternalError, "augment meta: %v", err)
	}

	id := e.allocateID()
	pc := &pendingCall{method: method, ch: make(chan *Response, 1), onProg: opts.onProgress()}
	pc.timer = newTimeoutRecord(e, id, progressTok, opts.timeout(), opts.resetOnProgress(), opts.maxTotal())

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, ErrConnClosed
	}
	e.pending[id] = pc
	e.mu.Unlock()

	pc.timer.start(ctx)

	msg := &jmessage{V: Version, ID: json.RawMessage(id), M: method, P: raw}
	bits, err := msg.toJSON()
	if err != nil {
		e.removePending(id)
		return nil, Errorf(InternalError, "encode request: %v", err)
	}
	if err := e.t.Send(bits); err != nil {
		e.removePending(id)
		return nil, err
	}

	select {
	case rsp, ok := <-pc.ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if opts.task() != nil {
			return e.follow(ctx, rsp, opts)
		}
		if rsp.err != nil {
			return nil, filterError(rsp.err)
		}
		return rsp, nil
	case <-ctx.Done():
		e.removePending(id)
		return nil, ctx.Err()
	}
}

// CallResult is a convenience wrapper around Call that decodes a successful
// result directly into v.
func (e *Engine) CallResult(ctx context.Context, method string, params, v any, opts *RequestOptions) error {
	rsp, err := e.Call(ctx, method, params, opts)
	if err != nil {
		return err
	}
	return rsp.UnmarshalResult(v)
}

// Notify sends method as a one-way notification. If method is registered in
// EngineOptions.DebouncedNotificationMethods and the call has no params, no
// related-task tag, it may be coalesced with other pending notifications of
// the same method into a single wire send (invariant I4).
func (e *Engine) Notify(ctx context.Context, method string, params any) error {
	return e.notifyOpts(ctx, method, params, nil)
}

// NotifyRelated sends a notification tagged as a side-channel message of
// taskID (spec §4.8).
func (e *Engine) NotifyRelated(ctx context.Context, method string, params any, taskID string) error {
	return e.notifyOpts(ctx, method, params, &RequestOptions{RelatedTaskID: taskID})
}

func (e *Engine) notifyOpts(ctx context.Context, method string, params any, opts *RequestOptions) error {
	if e.strict && !e.gate.AllowSend(method, true) {
		return errCapability(method)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Errorf(InvalidParams, "marshal params: %v", err)
	}
	raw, err = augmentMeta(raw, nil, opts.relatedTask(), nil)
	if err != nil {
		return Errorf(InternalError, "augment meta: %v", err)
	}
	if e.notif.debouncable(method) && len(raw) == 0 {
		e.notif.schedule(method)
		return nil
	}
	return e.sendNotification(method, raw)
}

func (e *Engine) sendNotification(method string, raw json.RawMessage) error {
	msg := &jmessage{V: Version, M: method, P: raw}
	bits, err := msg.toJSON()
	if err != nil {
		return err
	}
	if err := e.t.Send(bits); err != nil {
		return err
	}
	e.metrics.NotificationSent()
	return nil
}

func (e *Engine) allocateID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return strconv.FormatInt(e.nextID, 10)
}

func (e *Engine) newProgressToken() json.RawMessage {
	return json.RawMessage(strconv.Quote(e.allocateID()))
}

func (e *Engine) removePending(id string) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if ok {
		pc.timer.stop()
	}
}

// handleResponse resolves the pending call matching msg's ID, if any
// (boundary behavior: an unmatched response ID is logged and discarded).
func (e *Engine) handleResponse(msg *jmessage) {
	id := idString(msg.ID)
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		e.log("response for unknown request id %q discarded", id)
		return
	}
	pc.timer.stop()

	rsp := &Response{id: id, err: msg.E, result: msg.R, meta: parseMeta(msg.R)}
	e.rpcLog.LogResponse(context.Background(), rsp)
	select {
	case pc.ch <- rsp:
	default:
	}
}

func idString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	bits, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if string(bits) == "null" {
		return nil, nil
	}
	return bits, nil
}

package mcp2

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/modelctx/mcp2/taskstore"
)

// TaskCreatedResult is the result an Engine sends back synchronously for a
// request that was promoted to a task: the task's initial record, under the
// "task" key, matching the wire shape used by the Model Context Protocol Go
// SDK's CreateTaskResult.
type TaskCreatedResult struct {
	Task *taskstore.Task `json:"task"`
}

// TaskFacade is the request-scoped handle a task-bound handler invocation
// can retrieve via TaskFacadeFromContext to report progress or request
// additional input mid-execution.
type TaskFacade struct {
	tc     *taskController
	taskID string
}

// TaskID returns the identifier of the task this facade reports on.
func (f *TaskFacade) TaskID() string { return f.taskID }

// RequestInput transitions the task to input_required, publishing a
// notifications/tasks/status notification, then blocks until the task is
// resumed (moved back to working by the package-internal
// taskController.resume), the task finishes, or ctx is cancelled. TaskFacade
// has no method that resumes a task.
func (f *TaskFacade) RequestInput(ctx context.Context, message string) error {
	return f.tc.requestInput(ctx, f.taskID, message)
}

// SetStatusMessage updates the human-readable status message of the task
// without changing its lifecycle state.
func (f *TaskFacade) SetStatusMessage(ctx context.Context, message string) error {
	return f.tc.setStatusMessage(ctx, f.taskID, message)
}

// SendRequest issues method/params as a side-channel request tied to this
// task, for the continuous-delivery mode described in spec.md §4.8: rather
// than going out immediately, the request waits in the task's message
// queue until the client drains it by blocking in tasks/result, and
// messages queued for the same task are delivered in issuance order. If
// the task finishes or is cancelled before the message is drained,
// SendRequest returns an error and the request never reaches the wire.
func (f *TaskFacade) SendRequest(ctx context.Context, method string, params any) (*Response, error) {
	return f.tc.sendTaskMessage(ctx, f.taskID, method, params)
}

// taskEntry is the in-process bookkeeping for one task's execution,
// supplementing the durable taskstore.Store record with the synchronization
// primitives needed for tasks/result to block and for tasks/cancel to
// interrupt a running handler. This mirrors the reference Go SDK's
// serverTaskEntry, split out from persistence.
type taskEntry struct {
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	resumed   chan struct{} // closed when input_required is resolved
	session   string

	// queue carries side-channel requests issued by the task's handler
	// (spec.md §4.8 continuous-delivery mode). handleResult, while a caller
	// is blocked on this task, drains it in order and forwards each message
	// to the peer; on cancellation or completion it is simply abandoned, so
	// anything still sitting in it is never delivered.
	queue chan *taskMessage
}

// taskMessage is one side-channel request queued by TaskFacade.SendRequest,
// awaiting delivery by whichever tasks/result call is blocked on its task.
type taskMessage struct {
	method string
	params any
	reply  chan taskMessageReply
}

type taskMessageReply struct {
	rsp *Response
	err error
}

var errTaskMessageDropped = errors.New("mcp2: task finished or was cancelled before this message was delivered")

// sendTaskMessage enqueues method/params for delivery to whichever call is
// blocked in tasks/result for taskID, and waits for either the delivered
// reply or for the task to finish/be cancelled before that happens.
func (tc *taskController) sendTaskMessage(ctx context.Context, taskID, method string, params any) (*Response, error) {
	tc.mu.Lock()
	entry := tc.entries[taskID]
	tc.mu.Unlock()
	if entry == nil {
		return nil, taskstore.ErrNotFound
	}

	msg := &taskMessage{method: method, params: params, reply: make(chan taskMessageReply, 1)}
	select {
	case entry.queue <- msg:
	case <-entry.done:
		return nil, errTaskMessageDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-msg.reply:
		return r.rsp, r.err
	case <-entry.done:
		return nil, errTaskMessageDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type taskController struct {
	e            *Engine
	store        taskstore.Store
	pollInterval time.Duration

	mu      sync.Mutex
	entries map[string]*taskEntry
}

func newTaskController(e *Engine, store taskstore.Store, pollInterval time.Duration) *taskController {
	return &taskController{e: e, store: store, pollInterval: pollInterval, entries: make(map[string]*taskEntry)}
}

func (tc *taskController) facadeFor(taskID string) *TaskFacade {
	return &TaskFacade{tc: tc, taskID: taskID}
}

// runAsTask promotes an inbound request to a task: it creates the durable
// record, replies synchronously with the task's initial state, and runs h
// asynchronously, reporting its eventual outcome through the store and a
// status notification.
func (tc *taskController) runAsTask(ctx context.Context, req *Request, h Handler, params *TaskCreationParams) {
	sess := sessionID(ctx)
	cp := taskstore.CreateParams{}
	if params != nil {
		cp.TTL, cp.PollInterval = params.TTL, params.PollInterval
	}
	if cp.PollInterval == nil {
		ms := int64(tc.pollInterval / time.Millisecond)
		cp.PollInterval = &ms
	}

	t, err := tc.store.CreateTask(ctx, cp, req.ID(), req.params, sess)
	if err != nil {
		tc.e.replyError(req.ID(), Errorf(InternalError, "create task: %v", err))
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &taskEntry{
		done:    make(chan struct{}),
		cancel:  cancel,
		resumed: make(chan struct{}),
		session: sess,
		queue:   make(chan *taskMessage, 16),
	}
	tc.mu.Lock()
	tc.entries[t.TaskID] = entry
	tc.mu.Unlock()

	tc.e.replyResult(req.ID(), &TaskCreatedResult{Task: t}, nil)
	tc.e.metrics.TaskCreated()

	go tc.runToolTask(runCtx, req, h, t.TaskID, entry)
}

func (tc *taskController) runToolTask(ctx context.Context, req *Request, h Handler, taskID string, entry *taskEntry) {
	sess := entry.session
	if err := tc.store.UpdateTaskStatus(ctx, taskID, taskstore.StatusWorking, "", sess); err == nil {
		tc.notifyStatus(taskID, taskstore.StatusWorking, "")
	}

	taskCtx := context.WithValue(ctx, taskFacadeKey{}, tc.facadeFor(taskID))
	taskCtx = context.WithValue(taskCtx, inboundRequestKey{}, req)
	result, err := h(taskCtx, req)
	tc.finishToolTask(taskID, result, err, entry)
}

// finishToolTask records the outcome of a completed task handler. It
// respects a status that has already become terminal out of band (e.g. a
// concurrent tasks/cancel), never overwriting a terminal status (I3).
func (tc *taskController) finishToolTask(taskID string, result any, herr error, entry *taskEntry) {
	defer entry.closeOnce.Do(func() { close(entry.done) })

	sess := entry.session
	if cur, err := tc.store.GetTask(context.Background(), taskID, sess); err == nil && cur.Status.IsTerminal() {
		return
	}

	status := taskstore.StatusCompleted
	msg := ""
	var resultBits json.RawMessage
	if herr != nil {
		status = taskstore.StatusFailed
		msg = herr.Error()
		if merr, ok := AsError(herr); ok {
			msg = merr.Message
		}
	} else {
		bits, merr := json.Marshal(result)
		if merr != nil {
			status = taskstore.StatusFailed
			msg = merr.Error()
		} else {
			resultBits = bits
		}
	}

	if err := tc.store.StoreTaskResult(context.Background(), taskID, status, msg, resultBits, sess); err != nil {
		tc.e.log("failed to store task result for %s: %v", taskID, err)
	}
	if status == taskstore.StatusFailed {
		tc.e.metrics.TaskFailed()
	} else {
		tc.e.metrics.TaskCompleted()
	}
	tc.notifyStatus(taskID, status, msg)
}

func (tc *taskController) notifyStatus(taskID string, status taskstore.Status, message string) {
	params := map[string]any{"taskId": taskID, "status": status}
	if message != "" {
		params["statusMessage"] = message
	}
	if err := tc.e.Notify(context.Background(), "notifications/tasks/status", params); err != nil {
		tc.e.log("failed to send task status notification for %s: %v", taskID, err)
	}
}

func (tc *taskController) requestInput(ctx context.Context, taskID, message string) error {
	if err := tc.store.UpdateTaskStatus(ctx, taskID, taskstore.StatusInputRequired, message, sessionID(ctx)); err != nil {
		return err
	}
	tc.notifyStatus(taskID, taskstore.StatusInputRequired, message)

	tc.mu.Lock()
	entry := tc.entries[taskID]
	tc.mu.Unlock()
	if entry == nil {
		return nil
	}
	select {
	case <-entry.resumed:
		return nil
	case <-entry.done:
		return errors.New("mcp2: task finished while waiting for input")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tc *taskController) setStatusMessage(ctx context.Context, taskID, message string) error {
	t, err := tc.store.GetTask(ctx, taskID, sessionID(ctx))
	if err != nil {
		return err
	}
	if err := tc.store.UpdateTaskStatus(ctx, taskID, t.Status, message, sessionID(ctx)); err != nil {
		return err
	}
	tc.notifyStatus(taskID, t.Status, message)
	return nil
}

// resume signals a facade blocked in RequestInput that the peer has
// supplied the requested input, and transitions the task back to working.
// It is unexported and has no exported wrapper, so only code inside this
// package can call it, e.g. from a side-channel request handler.
func (tc *taskController) resume(ctx context.Context, taskID string) error {
	tc.mu.Lock()
	entry := tc.entries[taskID]
	tc.mu.Unlock()
	if entry == nil {
		return taskstore.ErrNotFound
	}
	if err := tc.store.UpdateTaskStatus(ctx, taskID, taskstore.StatusWorking, "", entry.session); err != nil {
		return err
	}
	tc.notifyStatus(taskID, taskstore.StatusWorking, "")
	select {
	case <-entry.resumed:
	default:
		close(entry.resumed)
	}
	return nil
}

func sessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

type sessionIDKey struct{}

// --- built-in tasks/* handlers ---

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

func (tc *taskController) handleGet(ctx context.Context, req *Request) (any, error) {
	var p taskIDParams
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	t, err := tc.store.GetTask(ctx, p.TaskID, sessionID(ctx))
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, Errorf(InvalidParams, "unknown task %q", p.TaskID)
	} else if err != nil {
		return nil, Errorf(InternalError, "get task: %v", err)
	}
	return t, nil
}

func (tc *taskController) handleResult(ctx context.Context, req *Request) (any, error) {
	var p taskIDParams
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	sess := sessionID(ctx)

	tc.mu.Lock()
	entry := tc.entries[p.TaskID]
	tc.mu.Unlock()

	if entry != nil {
	drain:
		for {
			// Check done first and on its own: once the task has finished or
			// been cancelled, no further queued message may be delivered,
			// even if one is also sitting ready in entry.queue (I: a
			// cancelled task delivers zero further messages to the blocked
			// caller).
			select {
			case <-entry.done:
				break drain
			default:
			}
			select {
			case <-entry.done:
				break drain
			case msg := <-entry.queue:
				rsp, cerr := tc.e.Call(ctx, msg.method, msg.params, &RequestOptions{RelatedTaskID: p.TaskID})
				select {
				case msg.reply <- taskMessageReply{rsp: rsp, err: cerr}:
				default:
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	} else {
		for {
			t, err := tc.store.GetTask(ctx, p.TaskID, sess)
			if errors.Is(err, taskstore.ErrNotFound) {
				return nil, Errorf(InvalidParams, "unknown task %q", p.TaskID)
			} else if err != nil {
				return nil, Errorf(InternalError, "get task: %v", err)
			}
			if t.Status.IsTerminal() {
				break
			}
			select {
			case <-time.After(tc.pollInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	cur, err := tc.store.GetTask(ctx, p.TaskID, sess)
	if err != nil {
		return nil, Errorf(InternalError, "get task: %v", err)
	}
	switch cur.Status {
	case taskstore.StatusFailed:
		return nil, Errorf(InternalError, "%s", cur.StatusMessage)
	case taskstore.StatusCancelled:
		return nil, Errorf(Cancelled, "task was cancelled")
	}

	raw, err := tc.store.GetTaskResult(ctx, p.TaskID, sess)
	if err != nil {
		return nil, Errorf(InternalError, "task result unavailable: %v", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	return json.RawMessage(raw), nil
}

func (tc *taskController) handleList(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Cursor string `json:"cursor,omitempty"`
	}
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	tasks, next, err := tc.store.ListTasks(ctx, p.Cursor, sessionID(ctx))
	if errors.Is(err, taskstore.ErrInvalidCursor) {
		return nil, Errorf(InvalidParams, "invalid cursor")
	} else if err != nil {
		return nil, Errorf(InternalError, "list tasks: %v", err)
	}
	out := map[string]any{"tasks": tasks}
	if next != "" {
		out["nextCursor"] = next
	}
	return out, nil
}

func (tc *taskController) handleCancel(ctx context.Context, req *Request) (any, error) {
	var p taskIDParams
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	sess := sessionID(ctx)
	cur, err := tc.store.GetTask(ctx, p.TaskID, sess)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, Errorf(InvalidParams, "unknown task %q", p.TaskID)
	} else if err != nil {
		return nil, Errorf(InternalError, "get task: %v", err)
	}
	if cur.Status.IsTerminal() {
		return nil, Errorf(InvalidRequest, "task %q is already %s", p.TaskID, cur.Status)
	}

	tc.mu.Lock()
	entry := tc.entries[p.TaskID]
	tc.mu.Unlock()
	if entry != nil && entry.cancel != nil {
		entry.cancel()
	}
	if err := tc.store.UpdateTaskStatus(ctx, p.TaskID, taskstore.StatusCancelled, "cancelled by request", sess); err != nil && !errors.Is(err, taskstore.ErrTerminal) {
		return nil, Errorf(InternalError, "cancel task: %v", err)
	}
	tc.e.metrics.TaskCancelled()
	tc.notifyStatus(p.TaskID, taskstore.StatusCancelled, "cancelled by request")
	if entry != nil {
		entry.closeOnce.Do(func() { close(entry.done) })
	}
	return tc.store.GetTask(ctx, p.TaskID, sess)
}

func (tc *taskController) handleDelete(ctx context.Context, req *Request) (any, error) {
	var p taskIDParams
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	if err := tc.store.DeleteTask(ctx, p.TaskID, sessionID(ctx)); err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		return nil, Errorf(InternalError, "delete task: %v", err)
	}
	return map[string]any{}, nil
}

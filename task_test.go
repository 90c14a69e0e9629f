package mcp2

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelctx/mcp2/taskstore"
	"github.com/modelctx/mcp2/transport"
)

func newTaskEnginePair(t *testing.T, bStore taskstore.Store) (a, b *Engine) {
	t.Helper()
	ta, tb := transport.Direct()
	a = New(ta, nil)
	b = New(tb, &EngineOptions{
		TaskStore:               bStore,
		DefaultTaskPollInterval: 10 * time.Millisecond,
	})
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b
}

func TestTaskLifecycleCompletes(t *testing.T) {
	store := taskstore.NewMemStore()
	a, b := newTaskEnginePair(t, store)

	b.Handle("render", func(ctx context.Context, req *Request) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return map[string]any{"pages": 3}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ttl := int64(60_000)
	rsp, err := a.Call(ctx, "render", nil, &RequestOptions{Task: &TaskCreationParams{TTL: &ttl}})
	if err != nil {
		t.Fatalf("Call(render): unexpected error: %v", err)
	}

	var result struct {
		Pages int `json:"pages"`
	}
	if err := rsp.UnmarshalResult(&result); err != nil {
		t.Fatalf("UnmarshalResult: %v", err)
	}
	if result.Pages != 3 {
		t.Errorf("pages = %d, want 3", result.Pages)
	}
}

func TestTaskLifecycleFails(t *testing.T) {
	store := taskstore.NewMemStore()
	a, b := newTaskEnginePair(t, store)

	b.Handle("render", func(ctx context.Context, req *Request) (any, error) {
		return nil, Errorf(InvalidParams, "missing template")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := a.Call(ctx, "render", nil, &RequestOptions{Task: &TaskCreationParams{}})
	if err == nil {
		t.Fatal("Call(render): expected an error for a failed task, got nil")
	}
	merr, ok := AsError(err)
	if !ok {
		t.Fatalf("Call(render): got error %v, want *Error", err)
	}
	if merr.Message != "missing template" {
		t.Errorf("message = %q, want %q", merr.Message, "missing template")
	}
}

func TestTaskCancellationIsTerminal(t *testing.T) {
	store := taskstore.NewMemStore()
	a, b := newTaskEnginePair(t, store)

	started := make(chan struct{})
	b.Handle("render", func(ctx context.Context, req *Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	// Submit the task directly against B's tasks facility by issuing the
	// task-bound call from A but not waiting for completion: cancel it out
	// of band once the handler has started.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	callDone := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = a.Call(ctx, "render", nil, &RequestOptions{Task: &TaskCreationParams{}})
		close(callDone)
	}()

	<-started

	tasks, _, err := store.ListTasks(context.Background(), "", "")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks: got %d tasks, err %v, want 1 task", len(tasks), err)
	}
	taskID := tasks[0].TaskID

	if _, err := a.Call(context.Background(), "tasks/cancel", map[string]string{"taskId": taskID}, nil); err != nil {
		t.Fatalf("tasks/cancel: %v", err)
	}

	select {
	case <-callDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Call(render) did not resolve after cancellation")
	}

	cur, err := store.GetTask(context.Background(), taskID, "")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if cur.Status != taskstore.StatusCancelled {
		t.Errorf("status = %q, want %q", cur.Status, taskstore.StatusCancelled)
	}

	// A second cancel must be rejected as a terminal-state transition (I3),
	// the same error class tasks/cancel returns for an already-completed task.
	_, err = a.Call(context.Background(), "tasks/cancel", map[string]string{"taskId": taskID}, nil)
	merr, ok := AsError(err)
	if !ok || merr.Code != InvalidRequest {
		t.Fatalf("second tasks/cancel: got %v, want an InvalidRequest terminal-state error", err)
	}
	again, err := store.GetTask(context.Background(), taskID, "")
	if err != nil {
		t.Fatalf("GetTask (second): %v", err)
	}
	if again.Status != taskstore.StatusCancelled {
		t.Errorf("status after second cancel = %q, want %q", again.Status, taskstore.StatusCancelled)
	}
}

func TestTaskInputRequiredRoundTrip(t *testing.T) {
	store := taskstore.NewMemStore()
	a, b := newTaskEnginePair(t, store)

	b.Handle("interview", func(ctx context.Context, req *Request) (any, error) {
		facade := TaskFacadeFromContext(ctx)
		if facade == nil {
			return nil, errors.New("no task facade in context")
		}
		if err := facade.RequestInput(ctx, "what is your name?"); err != nil {
			return nil, err
		}
		return map[string]any{"greeting": "hello"}, nil
	})
	b.Handle("interview/resume", func(ctx context.Context, req *Request) (any, error) {
		taskID, ok := req.Meta().RelatedTaskID()
		if !ok {
			return nil, Errorf(InvalidRequest, "missing related-task tag")
		}
		if err := b.tasks.resume(ctx, taskID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	callDone := make(chan struct{})
	var rsp *Response
	var callErr error
	go func() {
		rsp, callErr = a.Call(ctx, "interview", nil, &RequestOptions{Task: &TaskCreationParams{}})
		close(callDone)
	}()

	var taskID string
	deadline := time.After(2 * time.Second)
	for taskID == "" {
		select {
		case <-deadline:
			t.Fatal("task never reached input_required")
		case <-time.After(10 * time.Millisecond):
		}
		tasks, _, err := store.ListTasks(context.Background(), "", "")
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		for _, tk := range tasks {
			if tk.Status == taskstore.StatusInputRequired {
				taskID = tk.TaskID
			}
		}
	}

	if _, err := a.Call(context.Background(), "interview/resume", nil, &RequestOptions{RelatedTaskID: taskID}); err != nil {
		t.Fatalf("interview/resume: %v", err)
	}

	select {
	case <-callDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Call(interview) did not complete after resume")
	}
	if callErr != nil {
		t.Fatalf("Call(interview): unexpected error: %v", callErr)
	}
	var result struct {
		Greeting string `json:"greeting"`
	}
	if err := rsp.UnmarshalResult(&result); err != nil {
		t.Fatalf("UnmarshalResult: %v", err)
	}
	if result.Greeting != "hello" {
		t.Errorf("greeting = %q, want %q", result.Greeting, "hello")
	}
}

// TestTaskElicitationDeliveredDuringResult exercises the continuous-delivery
// mode of spec.md §4.8 end to end: the task handler requests input, which
// queues a side-channel elicitation/create request; it is delivered to the
// caller's elicitation handler while that caller is blocked in
// tasks/result, and the eventual answer flows back to both the queued
// SendRequest call and the handler's own final result.
func TestTaskElicitationDeliveredDuringResult(t *testing.T) {
	store := taskstore.NewMemStore()
	a, b := newTaskEnginePair(t, store)

	var elicited int32
	a.Handle("elicitation/create", func(ctx context.Context, req *Request) (any, error) {
		atomic.AddInt32(&elicited, 1)
		return map[string]any{"action": "accept", "content": map[string]any{"userName": "Alice"}}, nil
	})

	b.Handle("input-task", func(ctx context.Context, req *Request) (any, error) {
		facade := TaskFacadeFromContext(ctx)
		if facade == nil {
			return nil, errors.New("no task facade in context")
		}

		var userName string
		go func() {
			rsp, err := facade.SendRequest(context.Background(), "elicitation/create", map[string]any{"message": "what is your name?"})
			if err != nil {
				return
			}
			var answer struct {
				Content struct {
					UserName string `json:"userName"`
				} `json:"content"`
			}
			if rsp.UnmarshalResult(&answer) == nil {
				userName = answer.Content.UserName
			}
			b.tasks.resume(context.Background(), facade.TaskID())
		}()

		if err := facade.RequestInput(ctx, "what is your name?"); err != nil {
			return nil, err
		}
		return map[string]any{"content": []map[string]any{{"type": "text", "text": "Hello, " + userName + "!"}}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rsp, err := a.Call(ctx, "input-task", nil, &RequestOptions{Task: &TaskCreationParams{}})
	if err != nil {
		t.Fatalf("Call(input-task): unexpected error: %v", err)
	}
	if atomic.LoadInt32(&elicited) != 1 {
		t.Errorf("elicitation handler invocations = %d, want 1", elicited)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := rsp.UnmarshalResult(&result); err != nil {
		t.Fatalf("UnmarshalResult: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Hello, Alice!" {
		t.Errorf("result = %+v, want greeting for Alice", result)
	}
}

// TestTaskCancellationDropsQueuedMessages covers spec.md §8 scenario 6: a
// task handler queues side-channel requests without awaiting them, the
// client cancels the task before ever blocking in tasks/result, and the
// invariant holds that a cancelled task delivers zero further messages to
// the blocked caller - the queued elicitations must never reach the wire.
func TestTaskCancellationDropsQueuedMessages(t *testing.T) {
	store := taskstore.NewMemStore()
	a, b := newTaskEnginePair(t, store)

	var elicited int32
	a.Handle("elicitation/create", func(ctx context.Context, req *Request) (any, error) {
		atomic.AddInt32(&elicited, 1)
		return map[string]any{"action": "accept"}, nil
	})

	started := make(chan struct{})
	b.Handle("elicit-cancel", func(ctx context.Context, req *Request) (any, error) {
		facade := TaskFacadeFromContext(ctx)
		go facade.SendRequest(context.Background(), "elicitation/create", map[string]any{"n": 1})
		go facade.SendRequest(context.Background(), "elicitation/create", map[string]any{"n": 2})
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	callDone := make(chan struct{})
	go func() {
		a.Call(ctx, "elicit-cancel", nil, &RequestOptions{Task: &TaskCreationParams{}})
		close(callDone)
	}()

	<-started

	var taskID string
	deadline := time.After(2 * time.Second)
	for taskID == "" {
		tasks, _, err := store.ListTasks(context.Background(), "", "")
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(tasks) == 1 {
			taskID = tasks[0].TaskID
		}
		select {
		case <-deadline:
			t.Fatal("task never created")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Wait for both side-channel requests to land in the task's queue
	// before cancelling, so the cancel genuinely races queued-but-
	// undelivered messages rather than messages that were never sent.
	deadline = time.After(2 * time.Second)
	for {
		b.tasks.mu.Lock()
		entry := b.tasks.entries[taskID]
		b.tasks.mu.Unlock()
		if entry != nil && len(entry.queue) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("side-channel messages never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := a.Call(context.Background(), "tasks/cancel", map[string]string{"taskId": taskID}, nil); err != nil {
		t.Fatalf("tasks/cancel: %v", err)
	}

	select {
	case <-callDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Call(elicit-cancel) did not resolve after cancellation")
	}

	if _, err := a.Call(context.Background(), "tasks/result", map[string]string{"taskId": taskID}, nil); err == nil {
		t.Error("tasks/result after cancel: expected an error, got nil")
	}
	if _, err := a.Call(context.Background(), "tasks/result", map[string]string{"taskId": taskID}, nil); err == nil {
		t.Error("second tasks/result after cancel: expected an error, got nil")
	}

	if got := atomic.LoadInt32(&elicited); got != 0 {
		t.Errorf("elicitation handler invocations = %d, want 0 (queued messages must be dropped on cancellation)", got)
	}
}

func TestDecodeTaskRequestLegacyShape(t *testing.T) {
	meta := Meta{metaLegacyTaskID: json.RawMessage(`"abc"`)}
	tp, ok := decodeTaskRequest(nil, meta)
	if !ok {
		t.Fatal("decodeTaskRequest: legacy shape not recognized")
	}
	if tp.TTL != nil || tp.PollInterval != nil {
		t.Errorf("legacy shape carries no ttl/pollInterval, got %+v", tp)
	}
}

func TestDecodeTaskRequestCurrentShape(t *testing.T) {
	params := json.RawMessage(`{"task":{"ttl":1000,"pollFrequency":250}}`)
	tp, ok := decodeTaskRequest(params, nil)
	if !ok {
		t.Fatal("decodeTaskRequest: current shape not recognized")
	}
	if tp.TTL == nil || *tp.TTL != 1000 {
		t.Errorf("ttl = %v, want 1000", tp.TTL)
	}
	if tp.PollInterval == nil || *tp.PollInterval != 250 {
		t.Errorf("pollInterval (from legacy pollFrequency spelling) = %v, want 250", tp.PollInterval)
	}
}

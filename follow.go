package mcp2

import (
	"context"
	"time"

	"github.com/modelctx/mcp2/taskstore"
)

// follow implements the pending-request follower (spec §4.10): once a
// task-bound Call receives its synchronous reply, follow inspects it to
// decide whether the peer promoted the request to a task. If so, it polls
// tasks/get at the task's advertised cadence until the task reaches
// input_required or a terminal status, then retrieves the final payload via
// a blocking tasks/result call. If the peer answered inline instead (no
// task record in the reply), the original response is the final answer.
func (e *Engine) follow(ctx context.Context, rsp *Response, opts *RequestOptions) (*Response, error) {
	if rsp.err != nil {
		return nil, filterError(rsp.err)
	}

	var created TaskCreatedResult
	if err := rsp.UnmarshalResult(&created); err != nil || created.Task == nil || created.Task.TaskID == "" {
		return rsp, nil
	}
	taskID := created.Task.TaskID

	interval := e.opts.pollInterval()
	if created.Task.PollInterval != nil {
		interval = time.Duration(*created.Task.PollInterval) * time.Millisecond
	}
	if interval <= 0 {
		interval = DefaultTaskPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			getRsp, err := e.Call(ctx, "tasks/get", map[string]string{"taskId": taskID}, nil)
			if err != nil {
				return nil, err
			}
			var t taskstore.Task
			if err := getRsp.UnmarshalResult(&t); err != nil {
				return nil, err
			}
			if opts.progressWanted() {
				total := 1.0
				opts.OnProgress(ProgressUpdate{Progress: 0, Total: &total, Message: t.StatusMessage})
			}
			if t.Status == taskstore.StatusInputRequired || t.Status.IsTerminal() {
				return e.Call(ctx, "tasks/result", map[string]string{"taskId": taskID}, nil)
			}
		}
	}
}

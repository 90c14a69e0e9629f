// Copyright (C) 2024 The ModelCtx Authors. All Rights Reserved.

package mcp2

import "context"

// InboundRequest returns the inbound request associated with the context
// passed to a Handler, or nil if ctx does not carry one.
func InboundRequest(ctx context.Context) *Request {
	if v := ctx.Value(inboundRequestKey{}); v != nil {
		return v.(*Request)
	}
	return nil
}

type inboundRequestKey struct{}

// EngineFromContext returns the Engine running the handler that received
// ctx. It panics if ctx was not derived from an Engine's dispatch.
func EngineFromContext(ctx context.Context) *Engine { return ctx.Value(engineKey{}).(*Engine) }

type engineKey struct{}

// TaskFacadeFromContext returns the request-scoped task facade available to
// a handler invoked for a task-bound request, or nil if the request is not
// task-bound or no TaskStore is configured.
func TaskFacadeFromContext(ctx context.Context) *TaskFacade {
	if v := ctx.Value(taskFacadeKey{}); v != nil {
		return v.(*TaskFacade)
	}
	return nil
}

type taskFacadeKey struct{}

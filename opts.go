// Copyright (C) 2024 The ModelCtx Authors. All Rights Reserved.

package mcp2

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/modelctx/mcp2/taskstore"
)

// DefaultTaskPollInterval is the poll cadence the pending-request follower
// uses when neither the peer nor EngineOptions specifies one.
const DefaultTaskPollInterval = 5000 * time.Millisecond

// EngineOptions control the behavior of an Engine created by New. A nil
// *EngineOptions provides sensible defaults.
type EngineOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// If not nil, the methods of this value are called to log each request
	// received and each response received for an outbound call.
	RPCLog RPCLogger

	// EnforceStrictCapabilities turns unknown remote capabilities into
	// synchronous failures at send time, rather than deferring to the
	// remote's error response.
	EnforceStrictCapabilities bool

	// DebouncedNotificationMethods lists notification methods that should be
	// coalesced: at most one send per cooperative tick, provided the call
	// has no params, related-request ID, or related-task tag (I4).
	DebouncedNotificationMethods []string

	// TaskStore, if set, enables the task controller and the built-in
	// tasks/* handlers (§4.8). A nil store disables task-based execution:
	// requests carrying task-creation metadata are handled as ordinary
	// requests, and tasks/* methods report MethodNotFound.
	TaskStore taskstore.Store

	// DefaultTaskPollInterval is the poll cadence advertised to clients and
	// used by the pending-request follower when a task does not specify its
	// own. Defaults to DefaultTaskPollInterval.
	DefaultTaskPollInterval time.Duration

	// Concurrency bounds the number of inbound handler invocations allowed
	// to run in parallel. A value less than 1 uses runtime.NumCPU().
	Concurrency int

	// Capabilities, if set, overrides the default permissive CapabilityGate.
	Capabilities CapabilityGate

	// If set, this function is called to create a new base context for each
	// inbound request. If unset, the engine uses context.Background.
	NewContext func() context.Context
}

func (o *EngineOptions) logFunc() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger.Printf
}

func (o *EngineOptions) rpcLog() RPCLogger {
	if o == nil || o.RPCLog == nil {
		return nullRPCLogger{}
	}
	return o.RPCLog
}

func (o *EngineOptions) strict() bool { return o != nil && o.EnforceStrictCapabilities }

func (o *EngineOptions) debounced() []string {
	if o == nil {
		return nil
	}
	return o.DebouncedNotificationMethods
}

func (o *EngineOptions) taskStore() taskstore.Store {
	if o == nil {
		return nil
	}
	return o.TaskStore
}

func (o *EngineOptions) pollInterval() time.Duration {
	if o == nil || o.DefaultTaskPollInterval <= 0 {
		return DefaultTaskPollInterval
	}
	return o.DefaultTaskPollInterval
}

func (o *EngineOptions) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(o.Concurrency)
}

func (o *EngineOptions) capabilities() CapabilityGate {
	if o == nil || o.Capabilities == nil {
		return permissiveGate{}
	}
	return o.Capabilities
}

func (o *EngineOptions) newContext() func() context.Context {
	if o == nil || o.NewContext == nil {
		return context.Background
	}
	return o.NewContext
}

// A Logger records text logs from an Engine. A nil Logger discards input.
type Logger func(text string)

// Printf writes a formatted message to the logger. If lg is nil, the
// message is discarded.
func (lg Logger) Printf(msg string, args ...any) {
	if lg != nil {
		lg(fmt.Sprintf(msg, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. If logger is nil, the
// returned function writes to the default logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

// An RPCLogger receives callbacks recording the receipt of requests and the
// delivery of responses, invoked synchronously with request processing.
type RPCLogger interface {
	LogRequest(ctx context.Context, req *Request)
	LogResponse(ctx context.Context, rsp *Response)
}

type nullRPCLogger struct{}

func (nullRPCLogger) LogRequest(context.Context, *Request)   {}
func (nullRPCLogger) LogResponse(context.Context, *Response) {}

// Copyright (C) 2024 The ModelCtx Authors. All Rights Reserved.

package mcp2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelctx/mcp2/code"
)

// Code is an alias so callers can write mcp2.Code without an extra import.
type Code = code.Code

// Re-exported standard codes, for convenience.
const (
	ParseError     = code.ParseError
	InvalidRequest = code.InvalidRequest
	MethodNotFound = code.MethodNotFound
	InvalidParams  = code.InvalidParams
	InternalError  = code.InternalError

	ConnectionClosed = code.ConnectionClosed
	RequestTimeout   = code.RequestTimeout

	Cancelled        = code.Cancelled
	DeadlineExceeded = code.DeadlineExceeded
	SystemError      = code.SystemError
)

// Error is the concrete type of errors returned from RPC calls. It also
// represents the JSON encoding of the JSON-RPC error object.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// ErrCode satisfies code.ErrCoder.
func (e *Error) ErrCode() Code { return e.Code }

// Unwrap lets errors.Is(err, context.Canceled),
// errors.Is(err, context.DeadlineExceeded) and errors.Is(err, ErrConnClosed)
// see through an *Error carrying the corresponding code, independent of
// whether filterError collapsed it.
func (e *Error) Unwrap() error {
	switch e.Code {
	case code.Cancelled:
		return context.Canceled
	case code.DeadlineExceeded:
		return context.DeadlineExceeded
	case code.ConnectionClosed:
		return ErrConnClosed
	}
	return nil
}

// WithData marshals v as JSON and returns a copy of e whose Data field
// includes the result. If v is nil or marshaling fails, e is unchanged.
func (e *Error) WithData(v any) *Error {
	if v == nil {
		return e
	}
	data, err := json.Marshal(v)
	if err != nil {
		return e
	}
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// Errorf builds an *Error with the given code and formatted message.
func Errorf(c Code, msg string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(msg, args...)}
}

// AsError reports whether err is (or wraps) an *Error, extracting it.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

var (
	errEmptyMethod     = &Error{Code: InvalidRequest, Message: "empty method name"}
	errNoSuchMethod    = &Error{Code: MethodNotFound, Message: MethodNotFound.Error()}
	errDuplicateID     = &Error{Code: InvalidRequest, Message: "duplicate request ID"}
	errInvalidRequest  = &Error{Code: ParseError, Message: "invalid request value"}
	errEmptyBatch      = &Error{Code: InvalidRequest, Message: "empty request batch"}
	errInvalidParams   = &Error{Code: InvalidParams, Message: InvalidParams.Error()}
	errTaskNotExecuted = &Error{Code: InternalError, Message: "no handler was invoked for this task request"}

	// ErrConnClosed is returned by Engine.Call and friends once the engine
	// has been closed and a request is still outstanding, either directly
	// or as the Unwrap of a ConnectionClosed-coded *Error.
	ErrConnClosed = errors.New("mcp2: connection closed")

	// ErrEngineStopped is recorded as the terminal state when Engine.Stop
	// is called explicitly (as opposed to the transport failing).
	ErrEngineStopped = errors.New("mcp2: engine stopped")
)

// Copyright (C) 2024 The ModelCtx Authors. All Rights Reserved.

// Package mcp2 implements the protocol engine for the Model Context
// Protocol: a bidirectional JSON-RPC 2.0 runtime that frames messages on a
// pluggable transport, correlates requests with responses, dispatches
// handlers, and layers progress/timeout management, debounced
// notifications, and task-based ("call now, fetch later") execution on top.
//
// Either peer in a session may initiate requests and notifications; an
// Engine plays both roles at once, unlike a strict client/server split.
package mcp2

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/modelctx/mcp2/code"
)

// Version is the JSON-RPC protocol version string used on the wire.
const Version = "2.0"

// An Assigner assigns a Handler to handle the specified method name, or nil
// if no method is available to handle the request. The engine calls Assign
// without holding its lock, from the goroutine serving each inbound request,
// so implementations intended for use after Start must be safe for
// concurrent use.
type Assigner interface {
	// Assign returns the handler for the named method, or nil.
	Assign(ctx context.Context, method string) Handler
}

// Namer is an optional interface an Assigner may implement to expose the
// names of its methods, e.g. for diagnostics.
type Namer interface {
	Names() []string
}

// A Handler answers a single request. The response value, if non-nil, must
// be JSON-marshalable. A handler may return a value of concrete type *Error,
// a code.Code, or another error implementing code.ErrCoder to control the
// error code sent back to the caller; context.Canceled and
// context.DeadlineExceeded are sent as Cancelled and RequestTimeout, and any
// other error is wrapped as code.InternalError.
//
// The context passed to a Handler by an Engine carries two extra values the
// handler may extract: EngineFromContext(ctx) and InboundRequest(ctx).
type Handler = func(context.Context, *Request) (any, error)

// A NotificationHandler answers a one-way notification. It has no response
// channel; any error it returns is logged and discarded.
type NotificationHandler = func(context.Context, *Request)

// A Request is a request or notification message received from the peer.
type Request struct {
	id     json.RawMessage // the request ID, nil for notifications
	method string          // the method name
	params json.RawMessage // raw method parameters
	meta   Meta             // parsed _meta, if any
}

// IsNotification reports whether r is a notification (it has no ID and
// therefore requires no response).
func (r *Request) IsNotification() bool { return len(r.id) == 0 }

// ID returns the request identifier for r, or "" if r is a notification.
func (r *Request) ID() string { return string(r.id) }

// Method reports the method name of the request.
func (r *Request) Method() string { return r.method }

// HasParams reports whether r carries non-empty parameters.
func (r *Request) HasParams() bool { return len(r.params) != 0 }

// Meta returns the parsed _meta object carried in the request parameters,
// or an empty Meta if none was present.
func (r *Request) Meta() Meta { return r.meta }

// UnmarshalParams decodes the parameters of r into v. If r has empty
// parameters, it returns nil without modifying v. Invalid parameters report
// an *Error with code.InvalidParams.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.params) == 0 {
		return nil
	}
	switch t := v.(type) {
	case *json.RawMessage:
		*t = append(json.RawMessage(nil), r.params...)
		return nil
	case strictFielder:
		dec := json.NewDecoder(bytes.NewReader(r.params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return errInvalidParams.WithData(err.Error())
		}
		return nil
	}
	if err := json.Unmarshal(r.params, v); err != nil {
		return errInvalidParams.WithData(err.Error())
	}
	return nil
}

// ParamString returns the raw encoded parameters of r, or "" if none.
func (r *Request) ParamString() string { return string(r.params) }

// A Response is a response message received in reply to an outbound
// request, delivered to the caller of Engine.Call.
type Response struct {
	id     string
	err    *Error
	result json.RawMessage
	meta   Meta
}

// ID returns the request identifier this response answers.
func (r *Response) ID() string { return r.id }

// Error returns a non-nil *Error if the response carries an error.
func (r *Response) Error() *Error { return r.err }

// Meta returns the parsed _meta object carried in the response, if any.
func (r *Response) Meta() Meta { return r.meta }

// UnmarshalResult decodes the result payload into v. If the response
// carries an error, UnmarshalResult returns that same *Error and leaves v
// unmodified.
func (r *Response) UnmarshalResult(v any) error {
	if r.err != nil {
		return r.err
	}
	switch t := v.(type) {
	case *json.RawMessage:
		*t = append(json.RawMessage(nil), r.result...)
		return nil
	case strictFielder:
		dec := json.NewDecoder(bytes.NewReader(r.result))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
	if len(r.result) == 0 {
		return nil
	}
	return json.Unmarshal(r.result, v)
}

// ResultString returns the raw encoded result of r, or "" if r is an error
// response.
func (r *Response) ResultString() string { return string(r.result) }

// strictFielder is an optional interface a type can implement to reject
// unknown fields when unmarshaling from JSON.
type strictFielder interface {
	DisallowUnknownFields()
}

// StrictFields wraps v to require unknown fields to be rejected when
// unmarshaling from JSON via UnmarshalParams or UnmarshalResult.
func StrictFields(v any) any { return &strict{v: v} }

type strict struct{ v any }

func (s *strict) DisallowUnknownFields() {}

func (s *strict) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(s.v)
}

// filterError rewrites context-shaped *Error values back into the stdlib
// context errors callers may be checking for with errors.Is. An *Error
// carrying Data (e.g. the maxTotalTimeout/totalElapsed payload attached by
// timeoutRecord) is returned as-is instead, so that payload survives the
// trip through Call. For a Cancelled- or DeadlineExceeded-coded *Error kept
// this way, *Error.Unwrap still lets errors.Is see through to the stdlib
// sentinel; the RequestTimeout code that timeoutRecord uses unwraps to
// nothing.
func filterError(e *Error) error {
	if len(e.Data) != 0 {
		return e
	}
	switch e.Code {
	case code.Cancelled:
		return context.Canceled
	case code.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return e
}

// Package code defines the error code values used by the mcp2 package.
package code

import "fmt"

// A Code is a JSON-RPC error response code. It satisfies the error interface
// so it can be returned directly from a handler.
type Code int32

func (c Code) Error() string {
	if s, ok := stdError[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", c)
}

// Pre-defined error codes. The first five are the standard codes from the
// JSON-RPC 2.0 specification; the rest are specific to this implementation
// and to the Model Context Protocol.
const (
	ParseError     Code = -32700 // invalid JSON received by the peer
	InvalidRequest Code = -32600 // the JSON sent is not a valid request object
	MethodNotFound Code = -32601 // the method does not exist or is unavailable
	InvalidParams  Code = -32602 // invalid method parameters
	InternalError  Code = -32603 // internal error

	// The JSON-RPC 2.0 specification reserves the range -32000 to -32099 for
	// implementation-defined server errors.

	NoError          Code = -32099 // denotes a nil error
	SystemError      Code = -32098 // errors from the operating environment
	Cancelled        Code = -32097 // request cancelled
	DeadlineExceeded Code = -32096 // request deadline exceeded

	ConnectionClosed Code = -32000 // the session ended while the request was pending
	RequestTimeout   Code = -32001 // the waiter's deadline was exceeded

	// UrlElicitationRequired indicates the peer must complete a URL-mode
	// elicitation before the request can proceed.
	UrlElicitationRequired Code = -32042
)

var stdError = map[Code]string{
	ParseError:     "parse error",
	InvalidRequest: "invalid request",
	MethodNotFound: "method not found",
	InvalidParams:  "invalid parameters",
	InternalError:  "internal error",

	NoError:          "no error (success)",
	SystemError:      "system error",
	Cancelled:        "request cancelled",
	DeadlineExceeded: "deadline exceeded",

	ConnectionClosed:       "connection closed",
	RequestTimeout:         "request timeout",
	UrlElicitationRequired: "URL elicitation required",
}

// Register adds a new Code value with the specified message string. It
// panics if the proposed value is already registered.
func Register(value int32, message string) Code {
	code := Code(value)
	if s, ok := stdError[code]; ok {
		panic(fmt.Sprintf("code %d is already registered for %q", code, s))
	}
	stdError[code] = message
	return code
}

// FromError reports the error code that best describes err. If err is nil,
// it returns NoError. If err carries an explicit Code (including via the
// ErrCoder interface), that code is returned; otherwise InternalError.
func FromError(err error) Code {
	if err == nil {
		return NoError
	}
	if c, ok := err.(Code); ok {
		return c
	}
	if ec, ok := err.(ErrCoder); ok {
		return ec.ErrCode()
	}
	return InternalError
}

// ErrCoder is implemented by error values that carry an explicit Code.
type ErrCoder interface {
	ErrCode() Code
}

// Copyright (C) 2024 The ModelCtx Authors. All Rights Reserved.

// Package handler adapts ordinary Go functions to the mcp2.Handler
// signature via reflection, and provides simple Assigner implementations
// for building a method table.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/modelctx/mcp2"
)

// Func is a convenience alias for mcp2.Handler.
type Func = mcp2.Handler

// A Map is a trivial Assigner that looks up method names in a static map of
// function values already adapted to mcp2.Handler.
type Map map[string]mcp2.Handler

// Assign implements part of the mcp2.Assigner interface.
func (m Map) Assign(_ context.Context, method string) mcp2.Handler { return m[method] }

// Names implements the optional mcp2.Namer extension interface.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// A ServiceMap combines multiple assigners into one, permitting an Engine to
// expose multiple services under different prefixes.
type ServiceMap map[string]mcp2.Assigner

// Assign splits method as "Service.Method" and dispatches the remainder to
// the named service's assigner.
func (m ServiceMap) Assign(ctx context.Context, method string) mcp2.Handler {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) != 2 {
		return nil
	}
	if ass, ok := m[parts[0]]; ok {
		return ass.Assign(ctx, parts[1])
	}
	return nil
}

// Names reports the composed names of all methods in the service map, each
// having the form "Service.Method".
func (m ServiceMap) Names() []string {
	var all []string
	for svc, assigner := range m {
		if namer, ok := assigner.(mcp2.Namer); ok {
			for _, name := range namer.Names() {
				all = append(all, svc+"."+name)
			}
		} else {
			all = append(all, svc+".*")
		}
	}
	sort.Strings(all)
	return all
}

// New adapts fn to a mcp2.Handler. It panics if fn does not have one of the
// forms accepted by Check; callers who need to handle that case should call
// Check directly.
func New(fn any) mcp2.Handler {
	fi, err := Check(fn)
	if err != nil {
		panic(err)
	}
	return fi.Wrap()
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
	reqType = reflect.TypeOf((*mcp2.Request)(nil))

	strictType = reflect.TypeOf((*interface{ DisallowUnknownFields() })(nil)).Elem()

	errNoParameters = &mcp2.Error{Code: mcp2.InvalidParams, Message: "no parameters accepted"}
)

// FuncInfo captures type signature information for a valid handler function.
type FuncInfo struct {
	Type         reflect.Type
	Argument     reflect.Type
	Result       reflect.Type
	ReportsError bool

	strictFields bool

	fn any
}

// SetStrict toggles strict field checking for struct-shaped parameters in
// the wrapper generated by Wrap.
func (fi *FuncInfo) SetStrict(strict bool) *FuncInfo { fi.strictFields = strict; return fi }

// Wrap adapts the function represented by fi to a mcp2.Handler. The wrapped
// function can recover the inbound *mcp2.Request from its context argument
// via mcp2.InboundRequest.
func (fi *FuncInfo) Wrap() mcp2.Handler {
	if fi == nil || fi.fn == nil {
		panic("handler: invalid FuncInfo value")
	}

	if f, ok := fi.fn.(mcp2.Handler); ok {
		return f
	}

	wrapArg := fi.argWrapper()

	var newInput func(ctx reflect.Value, req *mcp2.Request) ([]reflect.Value, error)
	switch arg := fi.Argument; {
	case arg == nil:
		newInput = func(ctx reflect.Value, req *mcp2.Request) ([]reflect.Value, error) {
			if req.HasParams() {
				return nil, errNoParameters
			}
			return []reflect.Value{ctx}, nil
		}
	case arg == reqType:
		newInput = func(ctx reflect.Value, req *mcp2.Request) ([]reflect.Value, error) {
			return []reflect.Value{ctx, reflect.ValueOf(req)}, nil
		}
	case arg.Kind() == reflect.Ptr:
		newInput = func(ctx reflect.Value, req *mcp2.Request) ([]reflect.Value, error) {
			in := reflect.New(arg.Elem())
			if err := req.UnmarshalParams(wrapArg(in)); err != nil {
				return nil, wrapParamErr(err)
			}
			return []reflect.Value{ctx, in}, nil
		}
	default:
		newInput = func(ctx reflect.Value, req *mcp2.Request) ([]reflect.Value, error) {
			in := reflect.New(arg)
			if err := req.UnmarshalParams(wrapArg(in)); err != nil {
				return nil, wrapParamErr(err)
			}
			return []reflect.Value{ctx, in.Elem()}, nil
		}
	}

	var decodeOut func([]reflect.Value) (any, error)
	switch {
	case fi.Result == nil:
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[0].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return nil, nil
		}
	case !fi.ReportsError:
		decodeOut = func(vals []reflect.Value) (any, error) { return vals[0].Interface(), nil }
	default:
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[1].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return vals[0].Interface(), nil
		}
	}

	call := reflect.ValueOf(fi.fn).Call
	return func(ctx context.Context, req *mcp2.Request) (any, error) {
		args, ierr := newInput(reflect.ValueOf(ctx), req)
		if ierr != nil {
			return nil, ierr
		}
		return decodeOut(call(args))
	}
}

// Check reports whether fn can serve as a mcp2.Handler. The concrete value
// of fn must be a function with one of these signatures, for
// JSON-marshalable types X and Y:
//
//	func(context.Context) error
//	func(context.Context) Y
//	func(context.Context) (Y, error)
//	func(context.Context, X) error
//	func(context.Context, X) Y
//	func(context.Context, X) (Y, error)
//	func(context.Context, *mcp2.Request) (any, error)
func Check(fn any) (*FuncInfo, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}
	info := &FuncInfo{Type: reflect.TypeOf(fn), fn: fn}
	if info.Type.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}
	if np := info.Type.NumIn(); np == 0 || np > 2 {
		return nil, errors.New("wrong number of parameters")
	} else if info.Type.In(0) != ctxType {
		return nil, errors.New("first parameter is not context.Context")
	} else if info.Type.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	} else if np == 2 {
		info.Argument = info.Type.In(1)
	}
	no := info.Type.NumOut()
	if no < 1 || no > 2 {
		return nil, errors.New("wrong number of results")
	} else if no == 2 && info.Type.Out(1) != errType {
		return nil, errors.New("result is not of type error")
	}
	info.ReportsError = info.Type.Out(no-1) == errType
	if no == 2 || !info.ReportsError {
		info.Result = info.Type.Out(0)
	}
	return info, nil
}

type strictStub struct{ v any }

func (s *strictStub) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(s.v)
}

func (fi *FuncInfo) argWrapper() func(reflect.Value) any {
	strict := fi.strictFields && fi.Argument != nil && !fi.Argument.Implements(strictType)
	if !strict {
		return reflect.Value.Interface
	}
	return func(v reflect.Value) any { return &strictStub{v: v.Interface()} }
}

func wrapParamErr(err error) error {
	var merr *mcp2.Error
	if errors.As(err, &merr) {
		return merr
	}
	return mcp2.Errorf(mcp2.InvalidParams, "invalid parameters: %v", err)
}

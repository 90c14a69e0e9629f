// Package testutil defines internal support code for writing tests against
// mcp2 and its subpackages, outside the mcp2 package itself.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/modelctx/mcp2"
	"github.com/modelctx/mcp2/transport"
)

// ParseRequest builds a real *mcp2.Request for method and rawParams by
// driving it through an Engine over an in-memory transport pair and
// capturing the value an installed handler actually receives, rather than
// reaching into mcp2's unexported Request fields.
func ParseRequest(method, rawParams string) (_ *mcp2.Request, err error) {
	if rawParams != "" && !json.Valid([]byte(rawParams)) {
		return nil, fmt.Errorf("invalid test params: %s", rawParams)
	}

	client, server := transport.Direct()
	captured := make(chan *mcp2.Request, 1)

	eng := mcp2.New(server, nil)
	eng.Handle(method, func(_ context.Context, req *mcp2.Request) (any, error) {
		captured <- req
		return map[string]any{}, nil
	})
	if err := eng.Start(); err != nil {
		return nil, err
	}
	defer eng.Stop()

	caller := mcp2.New(client, nil)
	if err := caller.Start(); err != nil {
		return nil, err
	}
	defer caller.Stop()

	if _, err := caller.Call(context.Background(), method, json.RawMessage(rawParamsOrNull(rawParams)), nil); err != nil {
		return nil, err
	}
	return <-captured, nil
}

func rawParamsOrNull(rawParams string) string {
	if rawParams == "" {
		return "null"
	}
	return rawParams
}

// MustParseRequest calls ParseRequest and fails t if it reports an error.
func MustParseRequest(t *testing.T, method, rawParams string) *mcp2.Request {
	t.Helper()
	req, err := ParseRequest(method, rawParams)
	if err != nil {
		t.Fatalf("building test request for %q: %v", method, err)
	}
	return req
}

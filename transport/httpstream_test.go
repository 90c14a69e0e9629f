package transport_test

import (
	"io"
	"testing"
	"time"

	"github.com/modelctx/mcp2/transport"
)

func TestHTTPStreamLineFraming(t *testing.T) {
	bodyR, bodyW := io.Pipe()
	outR, outW := io.Pipe()

	tr := transport.HTTPStream(bodyR, outW)

	received := make(chan []byte, 1)
	tr.SetHandlers(func(msg []byte) { received <- msg }, nil, nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go bodyW.Write([]byte("{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n"))

	select {
	case msg := <-received:
		if string(msg) != `{"jsonrpc":"2.0","method":"ping"}` {
			t.Errorf("received = %s, want the line with its trailing LF stripped", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("line was never delivered")
	}

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := outR.Read(buf)
		readDone <- string(buf[:n])
	}()
	if err := tr.Send([]byte(`{"hello":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-readDone:
		if got != "{\"hello\":1}\n" {
			t.Errorf("written frame = %q, want a trailing LF appended", got)
		}
	case <-time.After(time.Second):
		t.Fatal("written frame was never read back")
	}
}

func TestHTTPStreamCloseNotifiesOnce(t *testing.T) {
	bodyR, bodyW := io.Pipe()
	_, outW := io.Pipe()

	tr := transport.HTTPStream(bodyR, outW)
	closed := make(chan struct{}, 2)
	tr.SetHandlers(nil, nil, func() { closed <- struct{}{} })
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go bodyW.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose was not invoked after the body stream ended")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-closed:
		t.Error("onClose fired a second time")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTPStreamSkipsBlankLines(t *testing.T) {
	bodyR, bodyW := io.Pipe()
	_, outW := io.Pipe()

	tr := transport.HTTPStream(bodyR, outW)
	received := make(chan []byte, 1)
	tr.SetHandlers(func(msg []byte) { received <- msg }, nil, nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go bodyW.Write([]byte("\n{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n"))

	select {
	case msg := <-received:
		if string(msg) != `{"jsonrpc":"2.0","method":"ping"}` {
			t.Errorf("received = %s, want the non-blank line", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("line was never delivered")
	}
}

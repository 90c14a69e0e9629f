package transport_test

import (
	"io"
	"testing"
	"time"

	"github.com/modelctx/mcp2/transport"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestStdioLineFraming(t *testing.T) {
	pr, pw := io.Pipe()
	outR, outW := io.Pipe()

	tr := transport.Stdio(pr, nopWriteCloser{outW})

	received := make(chan []byte, 1)
	tr.SetHandlers(func(msg []byte) { received <- msg }, nil, nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	go pw.Write([]byte("{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n"))

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

	if err := tr.Send([]byte("contains\na newline")); err == nil {
		t.Error("Send with an embedded LF: expected an error, got nil")
	}
}

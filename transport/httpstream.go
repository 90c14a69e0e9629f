package transport

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"sync"
)

// HTTPStream returns a Transport framed as newline-delimited JSON over a
// chunked HTTP body, for deployments that tunnel the protocol through a
// single long-lived HTTP request/response pair instead of a raw socket.
// body is the inbound stream (e.g. an *http.Request's Body on the server
// side, or an *http.Response's Body on the client side); w is the outbound
// stream, flushed after every write when it implements http.Flusher.
func HTTPStream(body io.ReadCloser, w io.Writer) Transport {
	return &httpStreamTransport{body: body, w: w, buf: bufio.NewReader(body)}
}

type httpStreamTransport struct {
	body io.ReadCloser
	w    io.Writer
	buf  *bufio.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	onMessage func([]byte)
	onError   func(error)
	onClose   func()
}

func (h *httpStreamTransport) SetHandlers(onMessage func([]byte), onError func(error), onClose func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage, h.onError, h.onClose = onMessage, onError, onClose
}

func (h *httpStreamTransport) Start() error {
	go h.readLoop()
	return nil
}

func (h *httpStreamTransport) readLoop() {
	for {
		var out bytes.Buffer
		for {
			chunk, err := h.buf.ReadSlice('\n')
			out.Write(chunk)
			if err == bufio.ErrBufferFull {
				continue
			}
			if err != nil {
				h.finish()
				return
			}
			break
		}
		line := out.Bytes()
		msg := make([]byte, len(line)-1)
		copy(msg, line[:len(line)-1])
		h.mu.Lock()
		cb := h.onMessage
		h.mu.Unlock()
		if len(msg) > 0 && cb != nil {
			cb(msg)
		}
	}
}

func (h *httpStreamTransport) finish() {
	h.mu.Lock()
	closing := !h.closed
	h.closed = true
	cb := h.onClose
	h.mu.Unlock()
	if closing && cb != nil {
		cb()
	}
}

func (h *httpStreamTransport) Send(msg []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	out := make([]byte, len(msg)+1)
	copy(out, msg)
	out[len(msg)] = '\n'
	if _, err := h.w.Write(out); err != nil {
		return err
	}
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *httpStreamTransport) Close() error {
	err := h.body.Close()
	h.finish()
	return err
}

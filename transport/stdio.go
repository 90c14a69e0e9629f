package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// Stdio returns a Transport that frames messages with newline termination
// (LF) over the given reader and write-closer, the framing jrpc2 calls
// Line. Outbound messages must not themselves contain an LF byte.
func Stdio(r io.Reader, wc io.WriteCloser) Transport {
	return &stdioTransport{wc: wc, buf: bufio.NewReader(r)}
}

type stdioTransport struct {
	wc  io.WriteCloser
	buf *bufio.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	onMessage func([]byte)
	onError   func(error)
	onClose   func()
}

func (s *stdioTransport) SetHandlers(onMessage func([]byte), onError func(error), onClose func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage, s.onError, s.onClose = onMessage, onError, onClose
}

func (s *stdioTransport) Start() error {
	go s.readLoop()
	return nil
}

func (s *stdioTransport) readLoop() {
	for {
		msg, err := s.recvLine()
		if err != nil {
			s.mu.Lock()
			closing := !s.closed
			s.closed = true
			onClose := s.onClose
			s.mu.Unlock()
			if closing && onClose != nil {
				onClose()
			}
			return
		}
		s.mu.Lock()
		cb := s.onMessage
		s.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
	}
}

func (s *stdioTransport) recvLine() ([]byte, error) {
	var out bytes.Buffer
	for {
		chunk, err := s.buf.ReadSlice('\n')
		out.Write(chunk)
		if err == bufio.ErrBufferFull {
			continue
		}
		line := out.Bytes()
		if n := len(line) - 1; n >= 0 && err == nil {
			cp := make([]byte, n)
			copy(cp, line[:n])
			return cp, nil
		}
		return nil, err
	}
}

func (s *stdioTransport) Send(msg []byte) error {
	if bytes.ContainsRune(msg, '\n') {
		return errors.New("transport: message contains LF")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	out := make([]byte, len(msg)+1)
	copy(out, msg)
	out[len(msg)] = '\n'
	_, err := s.wc.Write(out)
	return err
}

func (s *stdioTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cb := s.onClose
	s.mu.Unlock()
	err := s.wc.Close()
	if cb != nil {
		cb()
	}
	return err
}

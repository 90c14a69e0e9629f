package transport

import (
	"errors"
	"io"
	"sync"
)

// Direct returns a pair of connected in-memory transports with no framing
// or encoding overhead, analogous to channel.Direct in the jrpc2 package
// this module is adapted from. It is primarily useful for tests and for
// wiring an Engine to an in-process peer.
func Direct() (a, b Transport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	da := &directTransport{send: ab, recv: ba}
	db := &directTransport{send: ba, recv: ab}
	return da, db
}

type directTransport struct {
	send chan<- []byte
	recv <-chan []byte

	mu        sync.Mutex
	closed    bool
	onMessage func([]byte)
	onError   func(error)
	onClose   func()
}

func (d *directTransport) SetHandlers(onMessage func([]byte), onError func(error), onClose func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage, d.onError, d.onClose = onMessage, onError, onClose
}

func (d *directTransport) Start() error {
	go func() {
		for msg := range d.recv {
			d.mu.Lock()
			cb := d.onMessage
			d.mu.Unlock()
			if cb != nil {
				cb(msg)
			}
		}
		d.mu.Lock()
		closing := !d.closed
		d.closed = true
		cb := d.onClose
		d.mu.Unlock()
		if closing {
			close(d.send)
			if cb != nil {
				cb()
			}
		}
	}()
	return nil
}

func (d *directTransport) Send(msg []byte) (err error) {
	cp := make([]byte, len(msg))
	copy(cp, msg)
	defer func() {
		if recover() != nil {
			err = errors.New("transport: send on closed connection")
		}
	}()
	d.send <- cp
	return nil
}

func (d *directTransport) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cb := d.onClose
	d.mu.Unlock()
	close(d.send)
	if cb != nil {
		cb()
	}
	return nil
}

var _ io.Closer = (*directTransport)(nil)

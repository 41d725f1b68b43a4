package transport

import "sync"

const memoryBufferSize = 256

// memory is an in-process transport half. Two halves created by Pipe deliver
// each other's messages through buffered channels, preserving send order.
type memory struct {
	peer *memory

	inbox chan []byte
	ready chan struct{}
	done  chan struct{}

	closeOnce *sync.Once // shared between both halves
	recvOnce  sync.Once
}

// Pipe returns two connected in-process transports. Messages sent on one are
// delivered to the other's OnMessage callback in order. Closing either half
// shuts down both, like a real connection.
func Pipe() (Transport, Transport) {
	ready := make(chan struct{})
	close(ready)

	done := make(chan struct{})
	once := new(sync.Once)
	a := &memory{inbox: make(chan []byte, memoryBufferSize), ready: ready, done: done, closeOnce: once}
	b := &memory{inbox: make(chan []byte, memoryBufferSize), ready: ready, done: done, closeOnce: once}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers data to the peer half.
func (m *memory) Send(data []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.peer.inbox <- data:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// OnMessage starts the delivery goroutine for this half.
func (m *memory) OnMessage(fn func(data []byte)) {
	m.recvOnce.Do(func() {
		go func() {
			for {
				select {
				case data := <-m.inbox:
					fn(data)
				case <-m.done:
					return
				}
			}
		}()
	})
}

// Ready returns an already-closed channel.
func (m *memory) Ready() <-chan struct{} {
	return m.ready
}

// Done returns a channel closed when either half has been closed.
func (m *memory) Done() <-chan struct{} {
	return m.done
}

// Close shuts down both halves.
func (m *memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

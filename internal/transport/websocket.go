package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/obs"
)

// WebSocket carries tunnel messages as text frames on a single WebSocket
// connection. Unlike the WebRTC transport it needs a directly reachable
// address, but requires no signaling phase.
type WebSocket struct {
	conn *websocket.Conn

	sendCh chan []byte
	ready  chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	recvOnce  sync.Once
}

// NewWebSocket wraps an established WebSocket connection. The transport is
// immediately ready; it shuts down when either side closes the connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ready := make(chan struct{})
	close(ready)

	t := &WebSocket{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		ready:  ready,
		done:   make(chan struct{}),
	}
	go t.writePump()
	return t
}

// DialWebSocket connects to a listening tunnel endpoint at url.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// ListenWebSocket listens on addr, upgrades the first connection arriving at
// /tunnel, closes the listener, and returns the resulting transport.
func ListenWebSocket(ctx context.Context, addr string) (*WebSocket, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	connCh := make(chan *websocket.Conn, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case connCh <- conn:
		default:
			// Only one peer per listener.
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
			conn.Close()
		}
	})

	go func() {
		_ = http.Serve(listener, mux)
	}()
	defer listener.Close()

	logging.Infof("waiting for tunnel peer on %s", listener.Addr())

	select {
	case conn := <-connCh:
		return NewWebSocket(conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Transport interface
// ---------------------------------------------------------------------------

// Send enqueues one encoded message for transmission.
func (t *WebSocket) Send(data []byte) error {
	select {
	case t.sendCh <- data:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// OnMessage registers the inbound callback and starts the read loop.
func (t *WebSocket) OnMessage(fn func(data []byte)) {
	t.recvOnce.Do(func() {
		go t.readPump(fn)
	})
}

// Ready returns an already-closed channel; a wrapped connection is usable
// from the moment it is established.
func (t *WebSocket) Ready() <-chan struct{} {
	return t.ready
}

// Done returns a channel closed when the connection has shut down.
func (t *WebSocket) Done() <-chan struct{} {
	return t.done
}

// Close tears down the connection.
func (t *WebSocket) Close() error {
	t.shutdown()
	return nil
}

func (t *WebSocket) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

// writePump is the single-writer goroutine; gorilla connections allow only
// one concurrent writer.
func (t *WebSocket) writePump() {
	for {
		select {
		case data := <-t.sendCh:
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Errorf("websocket write failed: %v", err)
				t.shutdown()
				return
			}
			obs.Stats.AddSent(len(data))
		case <-t.done:
			return
		}
	}
}

func (t *WebSocket) readPump(fn func(data []byte)) {
	defer t.shutdown()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				logging.Debugf("websocket read ended: %v", err)
			}
			return
		}
		obs.Stats.AddRecv(len(data))
		fn(data)
	}
}

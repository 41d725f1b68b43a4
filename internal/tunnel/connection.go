package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/protocol"
)

// Tuning constants.
const (
	maxPayloadSize = 16 * 1024 // per data message payload
	dialTimeout    = 10 * time.Second
)

// connState is the explicit per-connection lifecycle value. Every operation
// checks it before acting, so the "already gone" races between local and
// remote teardown are ordinary transitions instead of implicit lookup misses.
type connState int

const (
	stateConnecting connState = iota // dial in flight, writes are queued
	stateOpen                        // live in both directions
	stateDraining                    // local write side ended, still reading
	stateClosing                     // forced teardown issued, reader unwinding
	stateClosed                      // terminal; table entry removed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one multiplexed downstream TCP connection. The reader
// goroutine translates socket observations into outbound tunnel messages;
// the owning session drives the inbound direction through write/end/destroy.
type Connection struct {
	clientID int
	sess     *session
	idle     time.Duration // 0 disables idle notifications

	mu          sync.Mutex
	state       connState
	conn        *net.TCPConn
	pending     [][]byte // payloads that arrived while the dial was in flight
	endWhenOpen bool     // end() arrived before the dial finished
	cause       error    // first terminal error, for the close log

	cleanupOnce sync.Once
}

// newConnection creates a connection in the connecting state. The caller
// registers it in the table and then starts the dial.
func newConnection(sess *session, clientID int, idle time.Duration) *Connection {
	return &Connection{
		clientID: clientID,
		sess:     sess,
		idle:     idle,
		state:    stateConnecting,
	}
}

// adoptConnection wraps an already-accepted TCP connection (originating
// side). The caller registers it and then starts the reader.
func adoptConnection(sess *session, clientID int, conn *net.TCPConn, idle time.Duration) *Connection {
	return &Connection{
		clientID: clientID,
		sess:     sess,
		idle:     idle,
		state:    stateOpen,
		conn:     conn,
	}
}

func (c *Connection) log() *logrus.Entry {
	return logging.WithFields(logrus.Fields{"tunnel": c.sess.tunnelID(), "client": c.clientID})
}

// ---------------------------------------------------------------------------
// Dial side
// ---------------------------------------------------------------------------

// dial opens the downstream TCP connection, flushes any queued payloads, and
// hands off to the reader. Runs on its own goroutine; the table entry already
// exists when it starts.
func (c *Connection) dial(network, addr string) {
	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.Dial(network, addr)

	c.mu.Lock()
	if c.state != stateConnecting {
		// Destroyed while the dial was in flight.
		c.mu.Unlock()
		if err == nil {
			raw.Close()
		}
		c.cleanup()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.fail(fmt.Errorf("dial %s: %w", addr, err))
		return
	}

	c.conn = raw.(*net.TCPConn)
	c.mu.Unlock()

	c.log().Debugf("connected to %s", addr)
	c.sess.observer().ConnectionOpened(c.sess.tunnelID(), c.clientID)

	// Drain the queue before the state becomes observable as open. Payloads
	// racing in through write() keep appending behind the queue while the
	// state is still connecting, so the forwarded byte stream keeps dispatch
	// order.
	for {
		c.mu.Lock()
		if c.state != stateConnecting {
			// Destroyed mid-flush; no reader exists yet to unwind.
			c.mu.Unlock()
			c.cleanup()
			return
		}
		if len(c.pending) == 0 {
			c.state = stateOpen
			end := c.endWhenOpen
			c.mu.Unlock()
			if end {
				c.end()
			}
			break
		}
		chunk := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if _, err := c.conn.Write(chunk); err != nil {
			c.fail(fmt.Errorf("write: %w", err))
			c.cleanup()
			return
		}
	}

	c.readLoop()
}

// ---------------------------------------------------------------------------
// Inbound operations (driven by the session's dispatch)
// ---------------------------------------------------------------------------

// write forwards payload bytes to the downstream socket. While the dial is
// still in flight the payload is queued; once the connection is past open,
// stray payloads are dropped as data loss.
func (c *Connection) write(data []byte) {
	c.mu.Lock()
	switch c.state {
	case stateConnecting:
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	case stateOpen:
		conn := c.conn
		c.mu.Unlock()
		if _, err := conn.Write(data); err != nil {
			c.fail(fmt.Errorf("write: %w", err))
		}
		return
	default:
		c.mu.Unlock()
		c.sess.observer().DataLoss(c.sess.tunnelID(), c.clientID, len(data))
	}
}

// end performs the graceful half-close: no more local writes, reads continue
// so in-flight responses still drain. No-op in any later state.
func (c *Connection) end() {
	c.mu.Lock()
	switch c.state {
	case stateConnecting:
		c.endWhenOpen = true
		c.mu.Unlock()
		return
	case stateOpen:
		c.state = stateDraining
		conn := c.conn
		c.mu.Unlock()
		if err := conn.CloseWrite(); err != nil {
			c.log().Debugf("half-close failed: %v", err)
		}
		return
	default:
		c.mu.Unlock()
	}
}

// destroy forces teardown. The reader observes the closed socket and runs
// cleanup; if the dial is still in flight its completion does. Idempotent.
func (c *Connection) destroy(cause error) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	if c.cause == nil {
		c.cause = cause
	}
	c.state = stateClosing
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Outbound translation
// ---------------------------------------------------------------------------

// readLoop pumps downstream socket observations to the remote peer: payload
// reads become data messages, idle periods become timeout messages, EOF
// becomes end, and anything else is a socket error. The loop exiting is the
// terminal close notification, whatever caused it.
func (c *Connection) readLoop() {
	defer c.cleanup()

	buf := make([]byte, maxPayloadSize)
	idleNotified := false
	for {
		if c.idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idle))
		}
		n, err := c.conn.Read(buf)

		if n > 0 {
			idleNotified = false
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.sess.sendEvent(c.clientID, protocol.EventData, chunk, "")
		}
		if err == nil {
			continue
		}

		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			// Idle, not broken. Notify the peer once and keep reading;
			// escalation is the peer's call.
			if !idleNotified {
				idleNotified = true
				c.sess.sendEvent(c.clientID, protocol.EventTimeout, nil, "")
			}

		case errors.Is(err, io.EOF):
			// Downstream finished sending. Forward the half-close, then
			// treat the socket as done — the write side follows the peer's
			// close message, which cleanup's own close notification invites.
			c.sess.sendEvent(c.clientID, protocol.EventEnd, nil, "")
			return

		case errors.Is(err, net.ErrClosed):
			// Torn down locally; cleanup announces it.
			return

		default:
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

// fail handles a downstream socket error: log it, tell the peer with an
// error message, then force local teardown. An errored socket cannot be
// trusted to proceed further. Only the first failure is reported.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.cause = err
	c.state = stateClosing
	conn := c.conn
	c.mu.Unlock()

	c.sess.observer().SocketError(c.sess.tunnelID(), c.clientID, err)
	c.sess.sendEvent(c.clientID, protocol.EventError, nil, err.Error())

	if conn != nil {
		conn.Close()
	} else {
		// Never dialed; there is no reader to unwind.
		c.cleanup()
	}
}

// cleanup is the terminal close handler. It runs exactly once regardless of
// which side initiated teardown: announce the close to the peer, remove the
// table entry, and notify the observer.
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		conn := c.conn
		cause := c.cause
		c.pending = nil
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		c.sess.sendEvent(c.clientID, protocol.EventClose, nil, "")
		c.sess.removeConnection(c.clientID)
		c.sess.observer().ConnectionClosed(c.sess.tunnelID(), c.clientID)

		if cause != nil {
			c.log().Debugf("closed after error: %v", cause)
		} else {
			c.log().Debugf("closed")
		}
	})
}

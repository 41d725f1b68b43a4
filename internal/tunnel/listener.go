package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/protocol"
	"github.com/UPaul009/nuclide/internal/transport"
)

// ListenerConfig configures one originating-side tunnel endpoint.
type ListenerConfig struct {
	// TunnelID is the opaque identifier agreed with the remote peer.
	TunnelID string

	// Port is the local port to accept connections on.
	Port int

	// IPv6 selects the address family for the local listener.
	IPv6 bool

	// IdleTimeout mirrors ManagerConfig.IdleTimeout.
	IdleTimeout time.Duration

	// Transport delivers encoded messages to the remote peer. Shared, not owned.
	Transport transport.Transport

	// Codec defaults to protocol.JSONCodec.
	Codec protocol.Codec

	// Events defaults to NopEvents.
	Events Events
}

// Listener is the originating side of a tunnel: it accepts local TCP
// connections, names each with a fresh client id, announces it to the remote
// peer with a connection message, and bridges traffic with the same
// machinery the SocketManager uses. Client ids are never reused while live —
// a monotonic counter guarantees that.
type Listener struct {
	session
	network string
	addr    string
	idle    time.Duration
	nextID  atomic.Int64
	ln      net.Listener
}

// NewListener creates a listener endpoint for the given local port.
func NewListener(cfg ListenerConfig) *Listener {
	network, host := "tcp4", "127.0.0.1"
	if cfg.IPv6 {
		network, host = "tcp6", "::1"
	}
	return &Listener{
		session: newSession(cfg.TunnelID, cfg.Transport, cfg.Codec, cfg.Events),
		network: network,
		addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		idle:    cfg.IdleTimeout,
	}
}

// Listen binds the local listening socket. Must be called before Serve.
func (l *Listener) Listen() error {
	ln, err := net.Listen(l.network, l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.ln = ln
	logging.WithFields(logrus.Fields{"tunnel": l.id, "addr": ln.Addr().String()}).
		Info("tunnel listener started")
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts local connections until ctx is cancelled or the listener
// fails. Each accepted connection is announced to the peer and bridged until
// its terminal close.
func (l *Listener) Serve(ctx context.Context) error {
	// Close the listener when ctx is done so Accept returns.
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		l.adopt(raw.(*net.TCPConn))
	}
}

// ListenAndServe binds and serves in one call.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// adopt brings one accepted connection under tunnel management.
func (l *Listener) adopt(conn *net.TCPConn) {
	clientID := int(l.nextID.Add(1))

	c := adoptConnection(&l.session, clientID, conn, l.idle)
	if !l.table.setIfAbsent(clientID, c) {
		// Cannot happen with a monotonic counter; refuse rather than leak.
		conn.Close()
		return
	}

	logging.WithFields(logrus.Fields{"tunnel": l.id, "client": clientID, "from": conn.RemoteAddr().String()}).
		Debug("accepted connection")

	l.sendEvent(clientID, protocol.EventConnection, nil, "")
	l.observer().ConnectionOpened(l.id, clientID)
	go c.readLoop()
}

// Receive dispatches one decoded tunnel message. The originating side never
// accepts connection events — it chooses the client ids — so one arriving is
// a protocol error; the remaining events are handled as the manager does.
func (l *Listener) Receive(msg *protocol.Message) error {
	switch msg.Event {
	case protocol.EventConnection:
		return fmt.Errorf("tunnel %s: connection event on originating side", l.id)
	case protocol.EventData:
		l.forwardData(msg.ClientID, msg.Arg)
	case protocol.EventClose:
		l.ensureClosed(msg.ClientID)
	case protocol.EventError:
		l.destroyConnection(msg.ClientID, remoteError(msg.Error))
	case protocol.EventEnd:
		l.endConnection(msg.ClientID)
	case protocol.EventTimeout:
		l.noteIdle(msg.ClientID)
	default:
		return fmt.Errorf("tunnel %s: %w: %q", l.id, protocol.ErrUnknownEvent, msg.Event)
	}
	return nil
}

// Package tunnel multiplexes independent downstream TCP connections through
// a single logical tunnel channel. The SocketManager owns the destination
// side (it dials), the Listener owns the originating side (it accepts), and
// a Registry routes messages from a shared transport to the endpoint owning
// their tunnel id.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/UPaul009/nuclide/internal/protocol"
	"github.com/UPaul009/nuclide/internal/transport"
)

var errNotClosedInTime = errors.New("not closed in time")

// remoteError carries the error descriptor from a peer's error message.
type remoteError string

func (e remoteError) Error() string {
	return "remote: " + string(e)
}

// ManagerConfig configures one destination-side tunnel endpoint.
type ManagerConfig struct {
	// TunnelID is the opaque identifier agreed with the remote peer.
	TunnelID string

	// Port is the fixed local destination every connection event dials.
	Port int

	// IPv6 selects the address family for the destination.
	IPv6 bool

	// IdleTimeout, when positive, emits a timeout message after a
	// connection has been silent this long. Zero disables it.
	IdleTimeout time.Duration

	// Transport delivers encoded messages to the remote peer. Shared, not
	// owned — closing the manager leaves it alone.
	Transport transport.Transport

	// Codec defaults to protocol.JSONCodec.
	Codec protocol.Codec

	// Events defaults to NopEvents.
	Events Events
}

// SocketManager is the per-tunnel socket multiplexer for the destination
// side. Inbound messages become socket operations; socket observations
// become outbound messages. One instance per tunnel; the transport may be
// shared across tunnels.
type SocketManager struct {
	session
	network string
	addr    string
	idle    time.Duration
}

// NewSocketManager creates a manager bound to the configured destination.
func NewSocketManager(cfg ManagerConfig) *SocketManager {
	network, host := "tcp4", "127.0.0.1"
	if cfg.IPv6 {
		network, host = "tcp6", "::1"
	}
	return &SocketManager{
		session: newSession(cfg.TunnelID, cfg.Transport, cfg.Codec, cfg.Events),
		network: network,
		addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		idle:    cfg.IdleTimeout,
	}
}

// Receive dispatches one decoded tunnel message. It returns an error only
// for hard failures: an unrecognized event, or a connection event for a
// client id that is still live. Everything else either performs the socket
// operation or recovers from the expected already-gone races.
func (m *SocketManager) Receive(msg *protocol.Message) error {
	switch msg.Event {
	case protocol.EventConnection:
		return m.createConnection(msg.ClientID)
	case protocol.EventData:
		m.forwardData(msg.ClientID, msg.Arg)
	case protocol.EventClose:
		m.ensureClosed(msg.ClientID)
	case protocol.EventError:
		m.destroyConnection(msg.ClientID, remoteError(msg.Error))
	case protocol.EventEnd:
		m.endConnection(msg.ClientID)
	case protocol.EventTimeout:
		m.noteIdle(msg.ClientID)
	default:
		return fmt.Errorf("tunnel %s: %w: %q", m.id, protocol.ErrUnknownEvent, msg.Event)
	}
	return nil
}

// createConnection opens a new downstream connection for clientID. The table
// entry is registered before the dial starts, so payloads racing ahead of
// the dial are queued rather than lost. Creation assumes a previously unused
// id; a live duplicate is a hard error.
func (m *SocketManager) createConnection(clientID int) error {
	c := newConnection(&m.session, clientID, m.idle)
	if !m.table.setIfAbsent(clientID, c) {
		return fmt.Errorf("tunnel %s: client %d is already connected", m.id, clientID)
	}
	go c.dial(m.network, m.addr)
	return nil
}

package tunnel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/protocol"
	"github.com/UPaul009/nuclide/internal/transport"
)

// session is the state shared by both tunnel roles: the connection table,
// the outbound message path, and the observability hooks. SocketManager and
// Listener embed it and add their role-specific handling of the
// "connection" event.
type session struct {
	id     string
	tr     transport.Transport
	codec  protocol.Codec
	events Events
	table  *connTable
}

func newSession(id string, tr transport.Transport, codec protocol.Codec, events Events) session {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	if events == nil {
		events = NopEvents{}
	}
	return session{
		id:     id,
		tr:     tr,
		codec:  codec,
		events: events,
		table:  newConnTable(),
	}
}

// ID returns the tunnel identifier.
func (s *session) ID() string {
	return s.id
}

// Close half-closes every live connection, letting in-flight data drain.
// Nothing is forcibly destroyed; each entry leaves the table through its own
// terminal close.
func (s *session) Close() {
	conns := s.table.snapshot()
	logging.WithFields(logrus.Fields{"tunnel": s.id, "connections": len(conns)}).
		Info("closing tunnel")
	for _, c := range conns {
		c.end()
	}
}

func (s *session) tunnelID() string {
	return s.id
}

func (s *session) observer() Events {
	return s.events
}

// sendEvent encodes one tunnel message and hands it to the transport.
// Transport failures are the transport's own business; they are logged and
// nothing is retried.
func (s *session) sendEvent(clientID int, event protocol.Event, arg []byte, errMsg string) {
	msg := &protocol.Message{
		TunnelID: s.id,
		ClientID: clientID,
		Event:    event,
		Arg:      arg,
		Error:    errMsg,
	}
	data, err := s.codec.Encode(msg)
	if err != nil {
		logging.Errorf("tunnel %s: %v", s.id, err)
		return
	}
	if err := s.tr.Send(data); err != nil {
		logging.Debugf("tunnel %s: send %s for client %d: %v", s.id, event, clientID, err)
	}
}

// removeConnection deletes the table entry for clientID. Exactly-once removal
// is a structural invariant — the entry must still be present, and violating
// that is a programming error, not a recoverable condition.
func (s *session) removeConnection(clientID int) {
	if !s.table.delete(clientID) {
		panic(fmt.Sprintf("tunnel %s: removing untracked client %d", s.id, clientID))
	}
}

// ---------------------------------------------------------------------------
// Inbound socket operations shared by both roles
// ---------------------------------------------------------------------------

// forwardData writes payload bytes to the connection for clientID. A missing
// connection is an accepted race with local closure: the bytes are dropped
// and reported as data loss, never raised.
func (s *session) forwardData(clientID int, data []byte) {
	c, ok := s.table.get(clientID)
	if !ok {
		s.events.DataLoss(s.id, clientID, len(data))
		return
	}
	c.write(data)
}

// endConnection half-closes the connection for clientID. Benign if it is
// already gone.
func (s *session) endConnection(clientID int) {
	c, ok := s.table.get(clientID)
	if !ok {
		logging.Debugf("tunnel %s: end for untracked client %d", s.id, clientID)
		return
	}
	c.end()
}

// destroyConnection forces teardown with the carried cause. Benign if the
// connection is already gone.
func (s *session) destroyConnection(clientID int, cause error) {
	c, ok := s.table.get(clientID)
	if !ok {
		logging.Debugf("tunnel %s: destroy for untracked client %d", s.id, clientID)
		return
	}
	logging.WithFields(logrus.Fields{"tunnel": s.id, "client": clientID}).
		Debugf("destroying connection: %v", cause)
	c.destroy(cause)
}

// noteIdle records the peer's idle notification for clientID. The connection
// stays up; whether to escalate to a close is left to the peer that owns the
// silent socket. Benign if the connection is already gone.
func (s *session) noteIdle(clientID int) {
	if _, ok := s.table.get(clientID); !ok {
		logging.Debugf("tunnel %s: timeout for untracked client %d", s.id, clientID)
		return
	}
	logging.WithFields(logrus.Fields{"tunnel": s.id, "client": clientID}).
		Debug("peer reports idle connection")
}

// ensureClosed escalates a graceful close that did not finish within the
// time the remote peer was willing to wait. No-op if already closed.
func (s *session) ensureClosed(clientID int) {
	c, ok := s.table.get(clientID)
	if !ok {
		logging.Debugf("tunnel %s: close for untracked client %d", s.id, clientID)
		return
	}
	logging.WithFields(logrus.Fields{"tunnel": s.id, "client": clientID}).
		Warn("connection not closed in time, destroying")
	c.destroy(errNotClosedInTime)
}

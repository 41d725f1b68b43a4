package tunnel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UPaul009/nuclide/internal/protocol"
)

func TestConnectionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, rec := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 7, nil)))

	// Registered before the dial returns, live once the dial completes.
	assert.Equal(t, 1, mgr.table.size())
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	// Remote-side view of the socket going away: end, then terminal close.
	srv.closeConn(0)
	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)

	assert.Equal(t,
		[]protocol.Event{protocol.EventEnd, protocol.EventClose},
		tr.events(7))
	assert.Equal(t, 1, rec.closedCount(7))
}

func TestDataQueuedUntilDialCompletes(t *testing.T) {
	srv := newTestServer(t)
	mgr, _, _ := newTestManager(t, srv)

	// The data message races the dial; the payload must not be lost.
	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 7, nil)))
	require.NoError(t, mgr.Receive(msg(protocol.EventData, 7, []byte("hello"))))

	require.Eventually(t, func() bool {
		return string(srv.received(0)) == "hello"
	}, waitFor, tick)
}

func TestDataForUnknownClientIsDropped(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, rec := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventData, 99, []byte("orphan"))))

	assert.Equal(t, len("orphan"), rec.lostBytes(99))
	assert.Empty(t, tr.events(99))
	assert.Equal(t, 0, mgr.table.size())
}

func TestUnknownEventRejected(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, _ := newTestManager(t, srv)

	err := mgr.Receive(&protocol.Message{TunnelID: "t1", ClientID: 1, Event: "frobnicate"})
	require.ErrorIs(t, err, protocol.ErrUnknownEvent)

	// No socket operation happened.
	assert.Equal(t, 0, mgr.table.size())
	assert.Empty(t, tr.events(1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, srv.connCount())
}

func TestDuplicateConnectionRejected(t *testing.T) {
	srv := newTestServer(t)
	mgr, _, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 1, nil)))
	err := mgr.Receive(msg(protocol.EventConnection, 1, nil))
	require.Error(t, err)
	assert.Equal(t, 1, mgr.table.size())
}

func TestCloseMessageAfterTerminalCloseIsNoop(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, rec := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 3, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	srv.closeConn(0)
	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)

	// The peer escalates after the connection is already gone: idempotent.
	require.NoError(t, mgr.Receive(msg(protocol.EventClose, 3, nil)))

	assert.Len(t, tr.sent(3, protocol.EventClose), 1)
	assert.Equal(t, 1, rec.closedCount(3))
}

func TestRemoteCloseDestroysLingeringConnection(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 4, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	// "Not closed in time" — the peer forces the issue.
	require.NoError(t, mgr.Receive(msg(protocol.EventClose, 4, nil)))

	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)
	assert.Len(t, tr.sent(4, protocol.EventClose), 1)
}

func TestRemoteEndHalfCloses(t *testing.T) {
	srv := newTestServer(t)
	mgr, _, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 5, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	require.NoError(t, mgr.Receive(msg(protocol.EventEnd, 5, nil)))

	// The server sees EOF but the entry lives on until the server closes.
	require.Eventually(t, func() bool { return srv.eofCount() == 1 }, waitFor, tick)
	assert.Equal(t, 1, mgr.table.size())

	srv.closeConn(0)
	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)
}

func TestRemoteErrorDestroysWithoutEcho(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 6, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	require.NoError(t, mgr.Receive(&protocol.Message{
		TunnelID: "t1", ClientID: 6, Event: protocol.EventError, Error: "peer says boom",
	}))

	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)
	// A carried error is not echoed back; only the terminal close goes out.
	assert.Empty(t, tr.sent(6, protocol.EventError))
	assert.Len(t, tr.sent(6, protocol.EventClose), 1)
}

func TestSocketErrorReportedThenRemoved(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, rec := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 5, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	// Ensure unread data is pending so the abort surfaces as a read error,
	// then reset the connection.
	require.NoError(t, mgr.Receive(msg(protocol.EventData, 5, []byte("x"))))
	srv.resetConn(0)

	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)

	events := tr.events(5)
	require.NotEmpty(t, events)
	// Exactly one error message, and it precedes the terminal close.
	assert.Len(t, tr.sent(5, protocol.EventError), 1)
	assert.Equal(t, protocol.EventClose, events[len(events)-1])
	assert.Equal(t, 1, rec.socketErrors())
	assert.Equal(t, 1, rec.closedCount(5))
}

func TestTunnelCloseHalfClosesEverything(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 1, nil)))
	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 2, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 2 }, waitFor, tick)

	mgr.Close()

	// Both downstream sockets see EOF, but nothing was forcibly destroyed:
	// the entries drain out only when the server closes its side.
	require.Eventually(t, func() bool { return srv.eofCount() == 2 }, waitFor, tick)
	assert.Equal(t, 2, mgr.table.size())
	assert.Empty(t, tr.sent(1, protocol.EventError))
	assert.Empty(t, tr.sent(2, protocol.EventError))

	srv.closeConn(0)
	srv.closeConn(1)
	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)
}

func TestOutboundDataForwarded(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 8, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	srv.mu.Lock()
	conn := srv.conns[0]
	srv.mu.Unlock()
	_, err := conn.Write([]byte("response bytes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return string(tr.payload(8)) == "response bytes"
	}, waitFor, tick)
}

func TestIdleTimeoutNotifiesPeer(t *testing.T) {
	srv := newTestServer(t)
	tr := newCaptureTransport()
	mgr := NewSocketManager(ManagerConfig{
		TunnelID:    "t1",
		Port:        srv.port(),
		IdleTimeout: 50 * time.Millisecond,
		Transport:   tr,
	})

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 9, nil)))
	require.Eventually(t, func() bool {
		return len(tr.sent(9, protocol.EventTimeout)) >= 1
	}, waitFor, tick)

	// Idle is a notification, not a teardown.
	assert.Equal(t, 1, mgr.table.size())
}

func TestIdleNotificationFromPeerAccepted(t *testing.T) {
	srv := newTestServer(t)
	mgr, tr, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 1, nil)))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, waitFor, tick)

	// The peer flagging a silent connection is a valid message, not a
	// protocol error. Nothing is torn down and nothing is sent back.
	require.NoError(t, mgr.Receive(msg(protocol.EventTimeout, 1, nil)))

	assert.Equal(t, 1, mgr.table.size())
	assert.Empty(t, tr.events(1))

	// Benign for an untracked client too.
	require.NoError(t, mgr.Receive(msg(protocol.EventTimeout, 99, nil)))
}

func TestDataOrderPreservedAcrossDialCompletion(t *testing.T) {
	srv := newTestServer(t)
	mgr, _, _ := newTestManager(t, srv)

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 1, nil)))

	// Payloads dispatched while the dial and queue flush are in flight must
	// reach the downstream socket in dispatch order.
	var want []byte
	for i := 0; i < 200; i++ {
		chunk := []byte(fmt.Sprintf("%04d|", i))
		want = append(want, chunk...)
		require.NoError(t, mgr.Receive(msg(protocol.EventData, 1, chunk)))
	}

	require.Eventually(t, func() bool {
		return len(srv.received(0)) == len(want)
	}, waitFor, tick)
	assert.Equal(t, string(want), string(srv.received(0)))
}

func TestDialFailureReportsError(t *testing.T) {
	// A port nobody listens on: the dial is refused.
	srv := newTestServer(t)
	port := srv.port()
	srv.ln.Close()

	tr := newCaptureTransport()
	rec := newRecordingEvents()
	mgr := NewSocketManager(ManagerConfig{
		TunnelID:  "t1",
		Port:      port,
		Transport: tr,
		Events:    rec,
	})

	require.NoError(t, mgr.Receive(msg(protocol.EventConnection, 2, nil)))

	require.Eventually(t, func() bool { return mgr.table.size() == 0 }, waitFor, tick)
	assert.Len(t, tr.sent(2, protocol.EventError), 1)
	assert.Equal(t,
		[]protocol.Event{protocol.EventError, protocol.EventClose},
		tr.events(2))
	assert.Equal(t, 1, rec.socketErrors())
}

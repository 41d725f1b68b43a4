package tunnel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/UPaul009/nuclide/internal/protocol"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// ---------------------------------------------------------------------------
// captureTransport records every message an endpoint sends, decoded.
// ---------------------------------------------------------------------------

type captureTransport struct {
	mu    sync.Mutex
	msgs  []*protocol.Message
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newCaptureTransport() *captureTransport {
	ready := make(chan struct{})
	close(ready)
	return &captureTransport{ready: ready, done: make(chan struct{})}
}

func (t *captureTransport) Send(data []byte) error {
	msg, err := protocol.JSONCodec{}.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
	return nil
}

func (t *captureTransport) OnMessage(func(data []byte)) {}

func (t *captureTransport) Ready() <-chan struct{} { return t.ready }

func (t *captureTransport) Done() <-chan struct{} { return t.done }

func (t *captureTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// sent returns the messages for clientID carrying the given event.
func (t *captureTransport) sent(clientID int, event protocol.Event) []*protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*protocol.Message
	for _, m := range t.msgs {
		if m.ClientID == clientID && m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// events returns the event sequence recorded for clientID.
func (t *captureTransport) events(clientID int) []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Event
	for _, m := range t.msgs {
		if m.ClientID == clientID {
			out = append(out, m.Event)
		}
	}
	return out
}

// payload concatenates the data payloads sent for clientID.
func (t *captureTransport) payload(clientID int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for _, m := range t.msgs {
		if m.ClientID == clientID && m.Event == protocol.EventData {
			out = append(out, m.Arg...)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// recordingEvents counts observer notifications.
// ---------------------------------------------------------------------------

type recordingEvents struct {
	mu       sync.Mutex
	opened   []int
	closed   []int
	dataLoss map[int]int // clientID → bytes dropped
	sockErrs []int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{dataLoss: make(map[int]int)}
}

func (r *recordingEvents) ConnectionOpened(_ string, clientID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, clientID)
}

func (r *recordingEvents) ConnectionClosed(_ string, clientID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, clientID)
}

func (r *recordingEvents) DataLoss(_ string, clientID int, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataLoss[clientID] += bytes
}

func (r *recordingEvents) SocketError(_ string, clientID int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockErrs = append(r.sockErrs, clientID)
}

func (r *recordingEvents) closedCount(clientID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.closed {
		if id == clientID {
			n++
		}
	}
	return n
}

func (r *recordingEvents) lostBytes(clientID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataLoss[clientID]
}

func (r *recordingEvents) socketErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockErrs)
}

// ---------------------------------------------------------------------------
// testServer is the downstream TCP service the manager dials.
// ---------------------------------------------------------------------------

type testServer struct {
	t  *testing.T
	ln net.Listener

	mu    sync.Mutex
	conns []*net.TCPConn
	bufs  [][]byte
	eofs  int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{t: t, ln: ln}
	t.Cleanup(func() { ln.Close() })
	go s.acceptLoop()
	return s
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		idx := len(s.conns)
		s.conns = append(s.conns, conn.(*net.TCPConn))
		s.bufs = append(s.bufs, nil)
		s.mu.Unlock()
		go s.readLoop(idx, conn)
	}
}

func (s *testServer) readLoop(idx int, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.bufs[idx] = append(s.bufs[idx], buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.eofs++
			s.mu.Unlock()
			return
		}
	}
}

func (s *testServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *testServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *testServer) received(idx int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.bufs) {
		return nil
	}
	out := make([]byte, len(s.bufs[idx]))
	copy(out, s.bufs[idx])
	return out
}

func (s *testServer) eofCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eofs
}

// closeConn gracefully closes the idx-th accepted connection.
func (s *testServer) closeConn(idx int) {
	s.mu.Lock()
	conn := s.conns[idx]
	s.mu.Unlock()
	conn.Close()
}

// resetConn aborts the idx-th accepted connection with an RST.
func (s *testServer) resetConn(idx int) {
	s.mu.Lock()
	conn := s.conns[idx]
	s.mu.Unlock()
	conn.SetLinger(0)
	conn.Close()
}

// ---------------------------------------------------------------------------
// Shortcuts
// ---------------------------------------------------------------------------

func newTestManager(t *testing.T, srv *testServer) (*SocketManager, *captureTransport, *recordingEvents) {
	t.Helper()
	tr := newCaptureTransport()
	rec := newRecordingEvents()
	mgr := NewSocketManager(ManagerConfig{
		TunnelID:  "t1",
		Port:      srv.port(),
		Transport: tr,
		Events:    rec,
	})
	return mgr, tr, rec
}

func msg(event protocol.Event, clientID int, arg []byte) *protocol.Message {
	return &protocol.Message{TunnelID: "t1", ClientID: clientID, Event: event, Arg: arg}
}

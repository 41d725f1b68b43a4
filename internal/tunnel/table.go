package tunnel

import "sync"

// connTable is the per-tunnel mapping from client identifier to live
// connection. Exclusively owned by one endpoint; a lookup miss is a normal,
// expected case because remote events may race with local closure.
type connTable struct {
	mu    sync.Mutex
	conns map[int]*Connection
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[int]*Connection)}
}

// get looks up the connection for a client id.
func (t *connTable) get(clientID int) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[clientID]
	return c, ok
}

// setIfAbsent registers c under clientID. Returns false, leaving the table
// untouched, if the id is already live.
func (t *connTable) setIfAbsent(clientID int, c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[clientID]; ok {
		return false
	}
	t.conns[clientID] = c
	return true
}

// delete removes the entry for clientID, reporting whether it was present.
func (t *connTable) delete(clientID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[clientID]; !ok {
		return false
	}
	delete(t.conns, clientID)
	return true
}

// snapshot returns the live connections at one instant.
func (t *connTable) snapshot() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// size returns the number of live entries.
func (t *connTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

package tunnel

// Events receives discrete lifecycle notifications from a tunnel endpoint.
// Implementations must be safe for concurrent use; callbacks fire from both
// the transport dispatch path and per-connection reader goroutines.
type Events interface {
	// ConnectionOpened fires once the connection for clientID is live.
	ConnectionOpened(tunnelID string, clientID int)

	// ConnectionClosed fires exactly once per connection, at terminal close.
	ConnectionClosed(tunnelID string, clientID int)

	// DataLoss fires when payload bytes are dropped because no live
	// connection matched the client id.
	DataLoss(tunnelID string, clientID int, bytes int)

	// SocketError fires when a downstream socket fails.
	SocketError(tunnelID string, clientID int, err error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) ConnectionOpened(string, int)   {}
func (NopEvents) ConnectionClosed(string, int)   {}
func (NopEvents) DataLoss(string, int, int)      {}
func (NopEvents) SocketError(string, int, error) {}

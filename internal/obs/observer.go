package obs

import (
	"github.com/sirupsen/logrus"

	"github.com/UPaul009/nuclide/internal/logging"
)

// Observer translates the discrete tunnel lifecycle events into structured
// log entries and Prometheus metrics. It satisfies tunnel.Events.
type Observer struct{}

// ConnectionOpened records a newly tracked downstream connection.
func (Observer) ConnectionOpened(tunnelID string, clientID int) {
	Stats.AddConn()
	ConnectionsOpenedTotal.WithLabelValues(tunnelID).Inc()
	ActiveConnections.WithLabelValues(tunnelID).Inc()
	logging.WithFields(logrus.Fields{"tunnel": tunnelID, "client": clientID}).
		Debug("connection opened")
}

// ConnectionClosed records the terminal close of a tracked connection.
func (Observer) ConnectionClosed(tunnelID string, clientID int) {
	Stats.RemoveConn()
	ConnectionsClosedTotal.WithLabelValues(tunnelID).Inc()
	ActiveConnections.WithLabelValues(tunnelID).Dec()
	logging.WithFields(logrus.Fields{"tunnel": tunnelID, "client": clientID}).
		Debug("connection closed")
}

// DataLoss records payload bytes dropped because no live connection matched
// the client id. This is an accepted race, not a failure.
func (Observer) DataLoss(tunnelID string, clientID int, bytes int) {
	DataLossBytesTotal.WithLabelValues(tunnelID).Add(float64(bytes))
	logging.WithFields(logrus.Fields{"tunnel": tunnelID, "client": clientID, "bytes": bytes}).
		Warn("data loss: payload for untracked client")
}

// SocketError records a downstream socket error.
func (Observer) SocketError(tunnelID string, clientID int, err error) {
	SocketErrorsTotal.WithLabelValues(tunnelID).Inc()
	logging.WithFields(logrus.Fields{"tunnel": tunnelID, "client": clientID}).
		Errorf("socket error: %v", err)
}

// Package obs provides observability for the tunnel: Prometheus metrics, a
// periodic throughput reporter, and the event observer wired into each
// tunnel endpoint.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_connections_opened_total", Help: "Downstream connections opened"}, []string{"tunnel"})
	ConnectionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_connections_closed_total", Help: "Downstream connections closed"}, []string{"tunnel"})
	ActiveConnections      = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tunnel_active_connections", Help: "Currently tracked downstream connections"}, []string{"tunnel"})
	DataLossBytesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_data_loss_bytes_total", Help: "Payload bytes dropped for untracked client ids"}, []string{"tunnel"})
	SocketErrorsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_socket_errors_total", Help: "Downstream socket errors"}, []string{"tunnel"})
	TransportTxBytesTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_transport_tx_bytes_total", Help: "Encoded message bytes sent on the transport"})
	TransportRxBytesTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_transport_rx_bytes_total", Help: "Encoded message bytes received from the transport"})
)

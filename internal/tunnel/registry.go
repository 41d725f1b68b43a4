package tunnel

import (
	"fmt"
	"sync"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/protocol"
	"github.com/UPaul009/nuclide/internal/transport"
)

// Endpoint is one tunnel attached to a shared transport. Both SocketManager
// and Listener satisfy it.
type Endpoint interface {
	ID() string
	Receive(msg *protocol.Message) error
	Close()
}

// Registry routes inbound messages from a shared transport to the endpoint
// owning their tunnel id, so several independent tunnels can ride one
// transport.
type Registry struct {
	codec protocol.Codec

	mu        sync.Mutex
	endpoints map[string]Endpoint
}

// NewRegistry creates an empty registry. A nil codec means protocol.JSONCodec.
func NewRegistry(codec protocol.Codec) *Registry {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Registry{
		codec:     codec,
		endpoints: make(map[string]Endpoint),
	}
}

// Attach registers an endpoint under its tunnel id.
func (r *Registry) Attach(e Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[e.ID()]; ok {
		return fmt.Errorf("tunnel %s is already attached", e.ID())
	}
	r.endpoints[e.ID()] = e
	return nil
}

// Detach removes an endpoint. Messages for its tunnel id are dropped from
// then on.
func (r *Registry) Detach(tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, tunnelID)
}

// Bind wires the registry to a transport's inbound message stream. Decode
// failures and unknown tunnel ids are logged and dropped. A hard dispatch
// failure from an endpoint is logged; it terminates that message, not the
// tunnel — escalation is left to the operator watching the log.
func (r *Registry) Bind(tr transport.Transport) {
	tr.OnMessage(func(data []byte) {
		msg, err := r.codec.Decode(data)
		if err != nil {
			logging.Errorf("dropping inbound message: %v", err)
			return
		}

		r.mu.Lock()
		e, ok := r.endpoints[msg.TunnelID]
		r.mu.Unlock()
		if !ok {
			logging.Debugf("dropping message for unknown tunnel %s", msg.TunnelID)
			return
		}

		if err := e.Receive(msg); err != nil {
			logging.Errorf("dispatch failed: %v", err)
		}
	})
}

// CloseAll closes every attached endpoint.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	endpoints := make([]Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		endpoints = append(endpoints, e)
	}
	r.mu.Unlock()

	for _, e := range endpoints {
		e.Close()
	}
}

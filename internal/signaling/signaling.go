package signaling

import (
	"context"
	"fmt"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/transport"
)

// EstablishAsHost executes the full host-side signaling flow on an already
// started Server:
//  1. Wait for the peer's WebSocket connection
//  2. Create a WebRTC transport
//  3. Perform the SDP/ICE exchange
//  4. Wait for the DataChannel to be ready
//  5. Return the ready transport (the WS connection is closed)
func EstablishAsHost(ctx context.Context, srv *Server) (*transport.WebRTC, error) {
	wsConn, err := srv.WaitForPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for peer: %w", err)
	}
	defer wsConn.Close()
	logging.Infof("signaling peer connected")

	tr, err := transport.NewWebRTC(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	if err := hostExchange(wsConn, tr); err != nil {
		tr.Close()
		return nil, err
	}

	logging.Infof("data channel established, signaling finished")
	return tr, nil
}

// EstablishAsClient executes the full client-side signaling flow:
//  1. Connect to the host's signaling server
//  2. Create a WebRTC transport
//  3. Perform the SDP/ICE exchange
//  4. Wait for the DataChannel to be ready
//  5. Return the ready transport (the WS connection is closed)
func EstablishAsClient(ctx context.Context, wsURL string) (*transport.WebRTC, error) {
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	logging.Infof("connected to signaling server: %s", wsURL)

	tr, err := transport.NewWebRTC(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	if err := clientExchange(wsConn, tr); err != nil {
		tr.Close()
		return nil, err
	}

	logging.Infof("data channel established, signaling finished")
	return tr, nil
}

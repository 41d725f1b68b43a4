package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/obs"
)

// WebRTC wraps a single PeerConnection + DataChannel pair behind the
// Transport interface, adding signaling helpers for SDP/ICE exchange and a
// single-writer sender with backpressure.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type WebRTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewWebRTC creates a WebRTC transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling via the exposed
// methods (CreateOffer / CreateAnswer / …) and then uses Send / OnMessage
// for traffic.
//
// The transport is alive as long as the DataChannel is open and ctx has not
// been cancelled.
func NewWebRTC(ctx context.Context) (*WebRTC, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &WebRTC{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		logging.Infof("data channel closed")
		tCancel()
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logging.Debugf("peer connection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
	})

	// Start the sender goroutine.
	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Transport interface
// ---------------------------------------------------------------------------

// Send enqueues one encoded message for transmission on the DataChannel.
func (t *WebRTC) Send(data []byte) error {
	return t.sender.send(t.ctx, data)
}

// OnMessage registers the callback invoked for every inbound DataChannel message.
func (t *WebRTC) OnMessage(fn func(data []byte)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		obs.Stats.AddRecv(len(msg.Data))
		fn(msg.Data)
	})
}

// Ready returns a channel that is closed when the DataChannel is open and
// the transport can carry traffic.
func (t *WebRTC) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the transport is shut down
// (DataChannel closed or parent context cancelled).
func (t *WebRTC) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *WebRTC) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *WebRTC) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *WebRTC) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *WebRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *WebRTC) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *WebRTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *WebRTC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *WebRTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// Package transport wraps one pion PeerConnection and its single data
// channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/syncspace/internal/util"
)

var (
	// ErrICEFailure means no candidate pair could be connected.
	ErrICEFailure = errors.New("ICE negotiation failed")
	// ErrDisconnected means the data channel or PeerConnection closed.
	ErrDisconnected = errors.New("peer transport disconnected")
	// ErrChannelSendFailed is returned by Send while the channel is not open.
	ErrChannelSendFailed = errors.New("data channel not open")
)

// Transport wraps a single PeerConnection + DataChannel pair, providing the
// signaling hooks needed for trickle ICE and text message send/receive.
//
// Its lifecycle is governed by the DataChannel and PeerConnection states and
// the context passed at construction time. Once Done is closed, Err reports
// why.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// New creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling via the exposed
// methods and then uses Send / OnMessage once Ready is closed.
func New(ctx context.Context, iceServers []string) (*Transport, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	tCtx, tCancel := context.WithCancelCause(ctx)

	t := &Transport{
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
		util.LogDebug("DataChannel closed")
		tCancel(ErrDisconnected)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed:
			tCancel(ErrICEFailure)
		case webrtc.PeerConnectionStateClosed:
			tCancel(ErrDisconnected)
		}
	})

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Err returns the reason the Transport shut down: ErrICEFailure,
// ErrDisconnected or the parent context's error. Nil while alive.
func (t *Transport) Err() error {
	return context.Cause(t.ctx)
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel(ErrDisconnected)
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnLocalCandidate registers a callback invoked for every gathered local ICE
// candidate. The end-of-gathering marker is not forwarded.
func (t *Transport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send writes one text message. It fails with ErrChannelSendFailed unless
// the channel is open.
func (t *Transport) Send(data []byte) error {
	if t.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelSendFailed
	}
	if err := t.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSendFailed, err)
	}
	return nil
}

// OnMessage registers a callback invoked for every inbound message.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

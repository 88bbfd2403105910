package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when the caller does not configure any. No
// TURN: peers either reach each other directly or not at all.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// channelLabel names the single data channel both sides create.
const channelLabel = "presence"

// newPeerConnection creates a PeerConnection using the given STUN URLs. An
// empty list yields host candidates only, which is enough on one machine.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: iceServers},
		}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered and reliable DataChannel.
// Negotiated mode (ID 0) lets both sides create the channel independently
// without relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// Package peer runs one side of a pairing: it talks to the relay, negotiates
// the WebRTC transport and hands the open channel to the presence protocol.
package peer

import (
	"errors"
	"fmt"

	"github.com/1ureka/syncspace/internal/transport"
)

// Phase is the connection state of a Manager.
type Phase int

const (
	Idle         Phase = iota // no code, no remote peer
	AwaitingPeer              // code created or join in flight
	Negotiating               // remote peer known, offer/answer/ICE in progress
	Connected                 // data channel open
	Closed                    // attempt ended; re-armable via CreatePairing/JoinPairing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingPeer:
		return "awaiting-peer"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// active reports whether an attempt is in flight.
func (p Phase) active() bool {
	return p == AwaitingPeer || p == Negotiating || p == Connected
}

// StateEvent is delivered to OnStateChange subscribers on every transition.
// Err carries the reason when Phase is Closed, or when a failed create/join
// falls back to Idle.
type StateEvent struct {
	Phase        Phase
	RemotePeerID string
	Err          error
}

var (
	// ErrNegotiationTimeout is the Closed reason when no connection was made
	// within the negotiation window.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrPeerDisconnected is the Closed reason when the relay reports that
	// the other side left.
	ErrPeerDisconnected = fmt.Errorf("peer left the pairing: %w", transport.ErrDisconnected)
	// ErrBusy is returned by CreatePairing and JoinPairing while an attempt is
	// in flight.
	ErrBusy = errors.New("a pairing attempt is already in progress")
	// ErrCancelled is returned when Disconnect ends an attempt whose create or
	// join call had not yet returned.
	ErrCancelled = errors.New("pairing attempt cancelled")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("peer manager closed")
)

// Package signaling implements the pairing relay: the wire messages, the
// relay core that ferries them between the two sides of a pairing, and the
// WebSocket server and client that carry them.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeCreatePairing    MessageType = "create-pairing"
	TypeJoinPairing      MessageType = "join-pairing"
	TypeResult           MessageType = "result"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypePeerJoined       MessageType = "peer-joined"
	TypePeerDisconnected MessageType = "peer-disconnected"
)

// Wire error strings carried in Result.Error.
const (
	ErrorNotFound    = "not-found"
	ErrorAlreadyUsed = "already-used"
	ErrorBadRequest  = "bad-request"
)

// ErrUnknownType is returned by Decode for a type this build does not know.
// Receivers ignore such messages.
var ErrUnknownType = errors.New("unknown signaling message type")

// Message is one of CreatePairing, JoinPairing, Result, Signal, PeerJoined
// or PeerDisconnected.
type Message interface {
	Type() MessageType
}

// CreatePairing asks the relay for a new code.
type CreatePairing struct {
	ID     uint64
	PeerID string
}

// JoinPairing asks the relay to claim code.
type JoinPairing struct {
	ID     uint64
	Code   string
	PeerID string
}

// Result answers a CreatePairing or JoinPairing with the same ID. On create
// it carries Code; on join it carries the creator's PeerID.
type Result struct {
	ID      uint64
	Success bool
	Code    string
	PeerID  string
	Error   string
}

// Signal is an offer, answer or ICE candidate. Payload is opaque to the
// relay and forwarded verbatim. Target is set by the sender, From by the
// relay.
type Signal struct {
	Kind    MessageType
	Payload json.RawMessage
	Target  string
	From    string
}

// PeerJoined tells the creator that PeerID joined its code.
type PeerJoined struct {
	PeerID string
}

// PeerDisconnected tells a side that its counterpart's session ended.
type PeerDisconnected struct{}

func (CreatePairing) Type() MessageType    { return TypeCreatePairing }
func (JoinPairing) Type() MessageType      { return TypeJoinPairing }
func (Result) Type() MessageType           { return TypeResult }
func (s Signal) Type() MessageType         { return s.Kind }
func (PeerJoined) Type() MessageType       { return TypePeerJoined }
func (PeerDisconnected) Type() MessageType { return TypePeerDisconnected }

// IsSignalKind reports whether t is relayed verbatim between peers.
func IsSignalKind(t MessageType) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// envelope is the JSON structure exchanged over the WebSocket.
type envelope struct {
	Type    MessageType     `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Success bool            `json:"success,omitempty"`
	Code    string          `json:"code,omitempty"`
	PeerID  string          `json:"peerId,omitempty"`
	Target  string          `json:"targetPeerId,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Encode serializes a message for the WebSocket.
func Encode(m Message) ([]byte, error) {
	var env envelope

	switch m := m.(type) {
	case CreatePairing:
		env = envelope{Type: TypeCreatePairing, ID: m.ID, PeerID: m.PeerID}
	case JoinPairing:
		env = envelope{Type: TypeJoinPairing, ID: m.ID, Code: m.Code, PeerID: m.PeerID}
	case Result:
		env = envelope{Type: TypeResult, ID: m.ID, Success: m.Success, Code: m.Code, PeerID: m.PeerID, Error: m.Error}
	case Signal:
		if !IsSignalKind(m.Kind) {
			return nil, fmt.Errorf("%w: signal kind %q", ErrUnknownType, m.Kind)
		}
		env = envelope{Type: m.Kind, Payload: m.Payload, Target: m.Target, From: m.From}
	case PeerJoined:
		env = envelope{Type: TypePeerJoined, PeerID: m.PeerID}
	case PeerDisconnected:
		env = envelope{Type: TypePeerDisconnected}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	return json.Marshal(env)
}

// Decode parses a WebSocket frame. Frames with an unrecognised type return
// ErrUnknownType so callers can skip them.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode signaling message: %w", err)
	}

	switch env.Type {
	case TypeCreatePairing:
		return CreatePairing{ID: env.ID, PeerID: env.PeerID}, nil
	case TypeJoinPairing:
		return JoinPairing{ID: env.ID, Code: env.Code, PeerID: env.PeerID}, nil
	case TypeResult:
		return Result{ID: env.ID, Success: env.Success, Code: env.Code, PeerID: env.PeerID, Error: env.Error}, nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return Signal{Kind: env.Type, Payload: env.Payload, Target: env.Target, From: env.From}, nil
	case TypePeerJoined:
		return PeerJoined{PeerID: env.PeerID}, nil
	case TypePeerDisconnected:
		return PeerDisconnected{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

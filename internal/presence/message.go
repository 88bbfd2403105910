// Package presence is the protocol spoken over the peer data channel once it
// opens: presence announcements, nudges, app-defined passthrough messages,
// plus the heartbeat and daily streak bookkeeping around them.
package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the "type" discriminator of a data-channel message.
type MessageType string

const (
	TypePresence MessageType = "presence"
	TypeNudge    MessageType = "nudge"

	// Passthrough kinds. Their bodies belong to the UI and are carried as-is.
	TypeTimer       MessageType = "timer"
	TypeTyping      MessageType = "typing"
	TypePlaylist    MessageType = "playlist"
	TypeMood        MessageType = "mood"
	TypeCustomNudge MessageType = "customNudge"
)

// ErrUnknownType is returned by Decode for a type this build does not know.
// Receivers ignore such messages.
var ErrUnknownType = errors.New("unknown presence message type")

// Message is one of Presence, Nudge or Passthrough.
type Message interface {
	Type() MessageType
}

// Presence announces whether the sender is online.
type Presence struct {
	Online bool
}

// Nudge is a ping from the partner. Timestamp is in Unix milliseconds.
type Nudge struct {
	Timestamp int64
}

// Passthrough is an app-defined message. Raw is the complete JSON object,
// including its "type" field.
type Passthrough struct {
	Kind MessageType
	Raw  json.RawMessage
}

func (Presence) Type() MessageType      { return TypePresence }
func (Nudge) Type() MessageType         { return TypeNudge }
func (p Passthrough) Type() MessageType { return p.Kind }

// IsPassthrough reports whether t is forwarded without interpretation.
func IsPassthrough(t MessageType) bool {
	switch t {
	case TypeTimer, TypeTyping, TypePlaylist, TypeMood, TypeCustomNudge:
		return true
	}
	return false
}

type presenceWire struct {
	Type   MessageType `json:"type"`
	Online bool        `json:"online"`
}

type nudgeWire struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Encode serializes m as a single-line JSON object.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case Presence:
		return json.Marshal(presenceWire{Type: TypePresence, Online: m.Online})
	case Nudge:
		return json.Marshal(nudgeWire{Type: TypeNudge, Timestamp: m.Timestamp})
	case Passthrough:
		return encodePassthrough(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

func encodePassthrough(m Passthrough) ([]byte, error) {
	if !IsPassthrough(m.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Kind)
	}

	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(m.Raw)) > 0 {
		if err := json.Unmarshal(m.Raw, &fields); err != nil {
			return nil, fmt.Errorf("%s body must be a JSON object: %w", m.Kind, err)
		}
	}

	kind, _ := json.Marshal(m.Kind)
	fields["type"] = kind
	return json.Marshal(fields)
}

// Decode parses one data-channel message. Unrecognised types return
// ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode presence message: %w", err)
	}

	switch {
	case head.Type == TypePresence:
		var w presenceWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		return Presence{Online: w.Online}, nil

	case head.Type == TypeNudge:
		var w nudgeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode nudge: %w", err)
		}
		return Nudge{Timestamp: w.Timestamp}, nil

	case IsPassthrough(head.Type):
		return Passthrough{Kind: head.Type, Raw: bytes.Clone(data)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

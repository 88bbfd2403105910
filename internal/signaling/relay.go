package signaling

import (
	"errors"
	"sync"

	"github.com/1ureka/syncspace/internal/pairing"
	"github.com/1ureka/syncspace/internal/util"
)

// Role is a session's side of a pairing.
type Role string

const (
	RoleInitiator Role = "initiator" // created the code, sends the offer
	RoleResponder Role = "responder" // joined the code, answers
)

// Session is one relay-side transport session (a WebSocket in production).
// Send must not block; the relay is best-effort and drops on failure.
type Session interface {
	ID() string
	Send(Message) error
}

// binding ties a session to its place in a pairing.
type binding struct {
	session     Session
	code        string
	peerID      string
	role        Role
	counterpart *binding // nil until joined, and again once the other side leaves
}

// Relay ferries signaling messages between the two sessions of a pairing.
// It never inspects signal payloads and holds no message queue: a signal
// with no live counterpart is dropped.
//
// Every operation runs to completion under one lock, so replies and
// notifications leave in the order the relay decided them.
type Relay struct {
	store *pairing.Store

	mu       sync.Mutex
	bindings map[string]*binding // session ID → binding
}

// NewRelay creates a relay backed by store.
func NewRelay(store *pairing.Store) *Relay {
	return &Relay{
		store:    store,
		bindings: make(map[string]*binding),
	}
}

// Store returns the pairing store backing the relay.
func (r *Relay) Store() *pairing.Store { return r.store }

// OnCreatePairing issues a code for peerID, binds the session as initiator
// and replies with a Result carrying id. A session that was already bound
// abandons its previous pairing first.
func (r *Relay) OnCreatePairing(s Session, id uint64, peerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peerID == "" {
		r.reply(s, Result{ID: id, Error: ErrorBadRequest})
		return "", errors.New("create-pairing without peer ID")
	}

	r.endLocked(s.ID())

	code, err := r.store.Create(peerID, s.ID())
	if err != nil {
		r.reply(s, Result{ID: id, Error: wireError(err)})
		return "", err
	}

	r.bindings[s.ID()] = &binding{
		session: s,
		code:    code,
		peerID:  peerID,
		role:    RoleInitiator,
	}

	util.LogEvent("pairing created", "code", code, "peer", peerID, "session", s.ID())
	r.reply(s, Result{ID: id, Success: true, Code: code})
	return code, nil
}

// OnJoinPairing claims code for peerID. On success the joiner receives its
// Result (with the creator's peer ID) before the creator is sent
// peer-joined, so the joiner always learns it joined before any offer
// reaches it.
func (r *Relay) OnJoinPairing(s Session, id uint64, code, peerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peerID == "" || code == "" {
		r.reply(s, Result{ID: id, Error: ErrorBadRequest})
		return "", errors.New("join-pairing without code or peer ID")
	}

	r.endLocked(s.ID())

	rec, err := r.store.Join(code, peerID, s.ID())
	if err != nil {
		util.LogDebugEvent("join rejected", "code", code, "peer", peerID, "reason", err)
		r.reply(s, Result{ID: id, Error: wireError(err)})
		return "", err
	}

	creator := r.bindings[rec.CreatorSessionRef]
	if creator == nil || creator.code != code || creator.counterpart != nil {
		// The creator's session moved on without its code being released.
		r.store.Remove(code)
		r.reply(s, Result{ID: id, Error: ErrorNotFound})
		return "", pairing.ErrCodeNotFound
	}

	joiner := &binding{
		session:     s,
		code:        code,
		peerID:      peerID,
		role:        RoleResponder,
		counterpart: creator,
	}
	creator.counterpart = joiner
	r.bindings[s.ID()] = joiner
	util.Stats.AddPairing()

	util.LogEvent("peer joined", "code", code, "peer", peerID, "creator", rec.CreatorPeerID)
	r.reply(s, Result{ID: id, Success: true, PeerID: rec.CreatorPeerID})
	r.reply(creator.session, PeerJoined{PeerID: peerID})
	return rec.CreatorPeerID, nil
}

// OnSignal forwards an offer, answer or ICE candidate to the counterpart of
// the sending session, stamped with the sender's peer ID. Signals from
// unbound sessions or without a live counterpart are silently dropped.
func (r *Relay) OnSignal(s Session, sig Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bindings[s.ID()]
	if b == nil || b.counterpart == nil {
		util.Stats.AddDropped()
		util.LogDebugEvent("signal dropped", "type", sig.Kind, "session", s.ID())
		return
	}

	target := b.counterpart
	if sig.Target != "" && sig.Target != target.peerID {
		util.LogDebugEvent("signal target mismatch, routing by role", "want", sig.Target, "have", target.peerID)
	}

	out := Signal{
		Kind:    sig.Kind,
		Payload: sig.Payload,
		Target:  target.peerID,
		From:    b.peerID,
	}
	if err := target.session.Send(out); err != nil {
		util.Stats.AddDropped()
		util.LogDebugEvent("signal dropped", "type", sig.Kind, "reason", err)
		return
	}
	util.Stats.AddRelayed()
}

// OnSessionEnd unbinds the session. A live counterpart is sent
// peer-disconnected exactly once; a creator leaving before anyone joined
// releases its code immediately.
func (r *Relay) OnSessionEnd(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLocked(s.ID())
}

// SessionCount returns the number of sessions bound to a pairing.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

func (r *Relay) endLocked(sessionID string) {
	b, ok := r.bindings[sessionID]
	if !ok {
		return
	}
	delete(r.bindings, sessionID)

	if c := b.counterpart; c != nil {
		c.counterpart = nil
		creator := b
		if b.role == RoleResponder {
			creator = c
		}
		r.releaseLocked(b.code, creator.session.ID())
		util.LogEvent("peer left", "code", b.code, "peer", b.peerID, "notify", c.peerID)
		r.reply(c.session, PeerDisconnected{})
		return
	}

	if b.role == RoleInitiator && r.releaseLocked(b.code, sessionID) {
		util.LogDebugEvent("unjoined code released", "code", b.code)
	}
}

// releaseLocked removes code only while it still belongs to the given
// creator session; a swept code may since have been reissued to someone else.
func (r *Relay) releaseLocked(code, creatorSessionID string) bool {
	rec, ok := r.store.Get(code)
	if !ok || rec.CreatorSessionRef != creatorSessionID {
		return false
	}
	r.store.Remove(code)
	return true
}

// reply sends best-effort; a full or closed session simply misses it.
func (r *Relay) reply(s Session, m Message) {
	if err := s.Send(m); err != nil {
		util.LogDebugEvent("reply dropped", "type", m.Type(), "session", s.ID(), "reason", err)
	}
}

// wireError maps store errors onto the wire strings clients understand.
func wireError(err error) string {
	switch {
	case errors.Is(err, pairing.ErrCodeNotFound):
		return ErrorNotFound
	case errors.Is(err, pairing.ErrCodeAlreadyUsed):
		return ErrorAlreadyUsed
	default:
		return err.Error()
	}
}

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/syncspace/internal/presence"
	"github.com/1ureka/syncspace/internal/signaling"
	"github.com/1ureka/syncspace/internal/storage"
	"github.com/1ureka/syncspace/internal/transport"
	"github.com/1ureka/syncspace/internal/util"
)

// DefaultTimeout bounds AwaitingPeer and Negotiating.
const DefaultTimeout = 5 * time.Minute

// Signaler is the manager's view of a relay session.
type Signaler interface {
	CreatePairing(ctx context.Context, peerID string) (string, error)
	JoinPairing(ctx context.Context, code, peerID string) (string, error)
	SendSignal(kind signaling.MessageType, payload json.RawMessage, target string) error
	Close() error
}

// DialFunc opens a relay session delivering notifications to h.
type DialFunc func(ctx context.Context, h signaling.Handler) (Signaler, error)

// RelayDialer dials the WebSocket relay at url.
func RelayDialer(url string) DialFunc {
	return func(ctx context.Context, h signaling.Handler) (Signaler, error) {
		c, err := signaling.Dial(ctx, url, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Transport is the manager's view of the peer-to-peer connection.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnMessage(func([]byte))
	Send([]byte) error
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Close() error
}

// TransportFactory creates the transport for one attempt. The transport must
// shut down when ctx is cancelled.
type TransportFactory func(ctx context.Context) (Transport, error)

// PionTransport builds pion-backed transports using the given STUN servers.
func PionTransport(iceServers []string) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		tr, err := transport.New(ctx, iceServers)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
}

// Options configures a Manager. PeerID and Dial are required.
type Options struct {
	PeerID       string
	Dial         DialFunc
	NewTransport TransportFactory   // default: PionTransport(transport.DefaultSTUNServers)
	Presence     *presence.Protocol // default: in-memory, no persistence
	Timeout      time.Duration      // default: DefaultTimeout
}

// Manager is the per-instance connection state machine:
//
//	Idle → AwaitingPeer → Negotiating → Connected → Closed
//
// Create/join errors are returned to the caller; failures after that are
// reported as a StateEvent with Phase Closed. Callbacks registered with
// OnStateChange and OnMessage run on a dedicated goroutine, in order.
type Manager struct {
	peerID       string
	dial         DialFunc
	newTransport TransportFactory
	presence     *presence.Protocol
	timeout      time.Duration

	notify *notifier

	mu       sync.Mutex
	phase    Phase
	closed   bool
	cur      *attempt
	code     string
	remote   string
	trash    []func() // run by unlock, outside the lock
	stateFns []func(StateEvent)
	msgFns   []func(presence.Message)
}

// NewManager creates an Idle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.PeerID == "" {
		return nil, errors.New("peer ID is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("relay dialer is required")
	}
	if opts.NewTransport == nil {
		opts.NewTransport = PionTransport(transport.DefaultSTUNServers)
	}
	if opts.Presence == nil {
		opts.Presence = presence.New(storage.NewMemory())
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &Manager{
		peerID:       opts.PeerID,
		dial:         opts.Dial,
		newTransport: opts.NewTransport,
		presence:     opts.Presence,
		timeout:      opts.Timeout,
		notify:       newNotifier(),
	}, nil
}

// ---------------------------------------------------------------------------
// Collaborator API
// ---------------------------------------------------------------------------

// CreatePairing asks the relay for a code and waits for someone to join it.
func (m *Manager) CreatePairing(ctx context.Context) (string, error) {
	a, err := m.begin(signaling.RoleInitiator)
	if err != nil {
		return "", err
	}

	sig, err := m.connect(ctx, a)
	if err != nil {
		return "", err
	}

	code, err := sig.CreatePairing(ctx, m.peerID)
	if err != nil {
		m.abort(a, err)
		return "", err
	}

	m.mu.Lock()
	defer m.unlock()
	if m.cur != a {
		return "", ErrCancelled
	}
	m.code = code
	util.LogEvent("pairing code issued", "code", code)
	return code, nil
}

// JoinPairing claims code and starts negotiating with its creator. A missing
// code yields pairing.ErrCodeNotFound and a claimed one
// pairing.ErrCodeAlreadyUsed; either way the manager returns to Idle.
func (m *Manager) JoinPairing(ctx context.Context, code string) error {
	a, err := m.begin(signaling.RoleResponder)
	if err != nil {
		return err
	}

	sig, err := m.connect(ctx, a)
	if err != nil {
		return err
	}

	creator, err := sig.JoinPairing(ctx, code, m.peerID)
	if err != nil {
		m.abort(a, err)
		return err
	}

	m.mu.Lock()
	defer m.unlock()
	if m.cur != a {
		return ErrCancelled
	}
	m.code = code
	if err := m.negotiateLocked(a, creator); err != nil {
		m.failLocked(err)
		return err
	}

	early := a.early
	a.early = nil
	for _, s := range early {
		if m.cur != a {
			break
		}
		m.applyLocked(a, s)
	}
	return nil
}

// SendPresenceMessage sends m over the data channel. It fails with
// transport.ErrChannelSendFailed unless Connected.
func (m *Manager) SendPresenceMessage(msg presence.Message) error {
	m.mu.Lock()
	defer m.unlock()
	if m.phase != Connected {
		return transport.ErrChannelSendFailed
	}
	return m.presence.Send(msg)
}

// Disconnect ends the current attempt at any phase and returns to Idle. The
// transport and relay session are closed before it returns, and no callback
// from the ended attempt is acted upon afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()
	m.disconnectLocked()
}

// Close disconnects and stops event delivery. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.unlock()
		return nil
	}
	m.closed = true
	m.disconnectLocked()
	m.unlock()

	m.notify.close()
	return nil
}

// OnStateChange subscribes fn to phase transitions.
func (m *Manager) OnStateChange(fn func(StateEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFns = append(m.stateFns, fn)
}

// OnMessage subscribes fn to presence messages from the partner.
func (m *Manager) OnMessage(fn func(presence.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgFns = append(m.msgFns, fn)
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// RemotePeerID returns the partner's peer ID, or "" before it is known.
func (m *Manager) RemotePeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Presence returns the presence protocol the manager drives.
func (m *Manager) Presence() *presence.Protocol { return m.presence }

// ---------------------------------------------------------------------------
// Attempt lifecycle
// ---------------------------------------------------------------------------

func (m *Manager) begin(role signaling.Role) (*attempt, error) {
	m.mu.Lock()
	defer m.unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.phase.active() {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{m: m, role: role, ctx: ctx, cancel: cancel, out: newOutbox()}
	a.timer = time.AfterFunc(m.timeout, func() { m.expire(a) })

	m.cur = a
	m.code = ""
	m.remote = ""
	m.setPhaseLocked(AwaitingPeer, nil)
	return a, nil
}

// connect dials the relay for a and starts its signal pump.
func (m *Manager) connect(ctx context.Context, a *attempt) (Signaler, error) {
	sig, err := m.dial(ctx, a)
	if err != nil {
		err = fmt.Errorf("connect to relay: %w", err)
		m.abort(a, err)
		return nil, err
	}

	m.mu.Lock()
	defer m.unlock()
	if m.cur != a {
		m.trash = append(m.trash, func() { sig.Close() })
		return nil, ErrCancelled
	}
	a.sig = sig
	go a.pump(sig)
	return sig, nil
}

// abort returns to Idle after a failed create or join.
func (m *Manager) abort(a *attempt, err error) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a {
		return
	}
	m.teardownLocked()
	m.setPhaseLocked(Idle, err)
	m.remote = ""
}

// negotiateLocked creates the transport and enters Negotiating.
func (m *Manager) negotiateLocked(a *attempt, remote string) error {
	a.remote = remote
	m.remote = remote

	tr, err := m.newTransport(a.ctx)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	a.tr = tr

	tr.OnLocalCandidate(a.sendCandidate)
	tr.OnMessage(func(data []byte) { m.receive(a, data) })
	go m.watch(a, tr)

	a.timer.Stop()
	a.timer.Reset(m.timeout)
	m.setPhaseLocked(Negotiating, nil)
	return nil
}

// watch follows the transport until it opens and then until it closes.
func (m *Manager) watch(a *attempt, tr Transport) {
	select {
	case <-tr.Ready():
		m.onOpen(a)
	case <-tr.Done():
		m.onTransportDone(a, tr.Err())
		return
	case <-a.ctx.Done():
		return
	}

	select {
	case <-tr.Done():
		m.onTransportDone(a, tr.Err())
	case <-a.ctx.Done():
	}
}

func (m *Manager) onOpen(a *attempt) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || m.phase != Negotiating {
		return
	}

	a.timer.Stop()
	a.pending.Reset()
	m.setPhaseLocked(Connected, nil)
	util.LogSuccess("connected to %s", a.remote)

	if err := m.presence.Open(a.ctx, a.tr.Send); err != nil {
		util.LogWarning("failed to announce presence: %v", err)
	}
}

func (m *Manager) onTransportDone(a *attempt, err error) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || (m.phase != Negotiating && m.phase != Connected) {
		return
	}
	if err == nil {
		err = transport.ErrDisconnected
	}
	m.failLocked(err)
}

func (m *Manager) expire(a *attempt) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || (m.phase != AwaitingPeer && m.phase != Negotiating) {
		return
	}
	m.failLocked(ErrNegotiationTimeout)
}

// receive handles one data-channel message.
func (m *Manager) receive(a *attempt, data []byte) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || (m.phase != Negotiating && m.phase != Connected) {
		return
	}

	msg, err := m.presence.Receive(a.ctx, data)
	if err != nil {
		util.LogDebugEvent("channel message ignored", "reason", err)
		return
	}

	fns := slices.Clone(m.msgFns)
	m.notify.post(func() {
		for _, fn := range fns {
			fn(msg)
		}
	})
}

// ---------------------------------------------------------------------------
// Relay notifications
// ---------------------------------------------------------------------------

func (m *Manager) onPeerJoined(a *attempt, peerID string) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || a.role != signaling.RoleInitiator || m.phase != AwaitingPeer {
		return
	}
	util.LogEvent("peer joined", "peer", peerID)

	if err := m.negotiateLocked(a, peerID); err != nil {
		m.failLocked(err)
		return
	}

	offer, err := a.tr.CreateOffer()
	if err != nil {
		m.failLocked(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := a.tr.SetLocalDescription(offer); err != nil {
		m.failLocked(fmt.Errorf("set local offer: %w", err))
		return
	}
	a.send(signaling.TypeOffer, offer)
}

func (m *Manager) onSignal(a *attempt, s signaling.Signal) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a {
		return
	}

	switch m.phase {
	case AwaitingPeer:
		// The offer can overtake the join result on the responder side.
		if a.role == signaling.RoleResponder {
			a.early = append(a.early, s)
		}
	case Negotiating, Connected:
		m.applyLocked(a, s)
	}
}

func (m *Manager) onPeerDisconnected(a *attempt) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || !m.phase.active() {
		return
	}
	m.failLocked(ErrPeerDisconnected)
}

func (m *Manager) onSessionClosed(a *attempt, err error) {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != a || !m.phase.active() {
		return
	}

	if m.phase == Connected {
		// Data flows peer-to-peer; only a later peer-disconnected is lost.
		util.LogWarning("relay connection lost, peer session continues")
		return
	}
	m.failLocked(fmt.Errorf("relay session lost (%v): %w", err, transport.ErrDisconnected))
}

// applyLocked applies an offer, answer or remote candidate.
func (m *Manager) applyLocked(a *attempt, s signaling.Signal) {
	switch s.Kind {
	case signaling.TypeOffer:
		if a.role != signaling.RoleResponder || a.remoteSet {
			util.LogDebugEvent("unexpected offer ignored", "from", s.From)
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(s.Payload, &desc); err != nil {
			m.failLocked(fmt.Errorf("malformed offer: %w", err))
			return
		}
		if err := a.tr.SetRemoteDescription(desc); err != nil {
			m.failLocked(fmt.Errorf("apply remote offer: %w", err))
			return
		}
		m.flushLocked(a)

		answer, err := a.tr.CreateAnswer()
		if err != nil {
			m.failLocked(fmt.Errorf("create answer: %w", err))
			return
		}
		if err := a.tr.SetLocalDescription(answer); err != nil {
			m.failLocked(fmt.Errorf("set local answer: %w", err))
			return
		}
		a.send(signaling.TypeAnswer, answer)

	case signaling.TypeAnswer:
		if a.role != signaling.RoleInitiator || a.remoteSet {
			util.LogDebugEvent("unexpected answer ignored", "from", s.From)
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(s.Payload, &desc); err != nil {
			m.failLocked(fmt.Errorf("malformed answer: %w", err))
			return
		}
		if err := a.tr.SetRemoteDescription(desc); err != nil {
			m.failLocked(fmt.Errorf("apply remote answer: %w", err))
			return
		}
		m.flushLocked(a)

	case signaling.TypeICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Payload, &c); err != nil {
			util.LogDebugEvent("malformed candidate ignored", "reason", err)
			return
		}
		if !a.remoteSet {
			a.pending.Push(c)
			return
		}
		if err := a.tr.AddICECandidate(c); err != nil {
			util.LogDebugEvent("candidate rejected", "reason", err)
		}
	}
}

// flushLocked marks the remote description as set and applies every buffered
// candidate in receipt order.
func (m *Manager) flushLocked(a *attempt) {
	a.remoteSet = true
	for _, c := range a.pending.Drain() {
		if err := a.tr.AddICECandidate(c); err != nil {
			util.LogDebugEvent("buffered candidate rejected", "reason", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Locked helpers
// ---------------------------------------------------------------------------

// unlock releases the lock and then runs deferred cleanup. Closing pion
// objects can wait on goroutines that need the lock.
func (m *Manager) unlock() {
	trash := m.trash
	m.trash = nil
	m.mu.Unlock()

	for _, fn := range trash {
		fn()
	}
}

func (m *Manager) failLocked(err error) {
	util.LogWarning("pairing closed: %v", err)
	m.teardownLocked()
	m.setPhaseLocked(Closed, err)
	m.remote = ""
	m.code = ""
}

func (m *Manager) disconnectLocked() {
	if m.phase == Connected {
		// Courtesy only; the channel is closed right after.
		if err := m.presence.Announce(false); err != nil {
			util.LogDebugEvent("offline announcement not sent", "reason", err)
		}
	}
	if m.cur == nil && m.phase == Idle {
		return
	}

	m.teardownLocked()
	m.setPhaseLocked(Idle, nil)
	m.remote = ""
	m.code = ""
}

// teardownLocked releases everything the current attempt holds. The
// transport and relay session are closed by unlock.
func (m *Manager) teardownLocked() {
	a := m.cur
	if a == nil {
		return
	}
	m.cur = nil

	a.timer.Stop()
	a.cancel()
	a.pending.Reset()
	a.early = nil
	m.presence.Close()

	if tr := a.tr; tr != nil {
		m.trash = append(m.trash, func() { tr.Close() })
	}
	if sig := a.sig; sig != nil {
		m.trash = append(m.trash, func() { sig.Close() })
	}
}

func (m *Manager) setPhaseLocked(p Phase, err error) {
	m.phase = p
	ev := StateEvent{Phase: p, RemotePeerID: m.remote, Err: err}
	util.LogDebugEvent("phase changed", "phase", p, "remote", m.remote)

	fns := slices.Clone(m.stateFns)
	m.notify.post(func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

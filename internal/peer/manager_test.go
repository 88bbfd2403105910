package peer

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/syncspace/internal/pairing"
	"github.com/1ureka/syncspace/internal/presence"
	"github.com/1ureka/syncspace/internal/signaling"
	"github.com/1ureka/syncspace/internal/storage"
	"github.com/1ureka/syncspace/internal/transport"
)

func newTestManager(t *testing.T, fs *fakeSignaler, ft *fakeTransport, timeout time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		PeerID:       "local",
		Dial:         fs.dial,
		NewTransport: ft.factory,
		Presence:     presence.New(storage.NewMemory(), presence.WithHeartbeat(0)),
		Timeout:      timeout,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// connectInitiator drives a manager through create → peer-joined → answer →
// channel open.
func connectInitiator(t *testing.T, m *Manager, fs *fakeSignaler, ft *fakeTransport, ev *eventLog) {
	t.Helper()
	if _, err := m.CreatePairing(context.Background()); err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	fs.handler().PeerJoined("remote")
	fs.waitSent(t, signaling.TypeOffer)
	fs.handler().Signal(signaling.Signal{
		Kind:    signaling.TypeAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
		From:    "remote",
	})
	ft.open()
	ev.waitFor(t, Connected, 2*time.Second)
}

func TestNewManagerValidates(t *testing.T) {
	if _, err := NewManager(Options{Dial: (&fakeSignaler{}).dial}); err == nil {
		t.Error("missing peer ID accepted")
	}
	if _, err := NewManager(Options{PeerID: "p"}); err == nil {
		t.Error("missing dialer accepted")
	}
}

func TestInitiatorFlow(t *testing.T) {
	fs := &fakeSignaler{code: "482913"}
	ft := newFakeTransport()
	m := newTestManager(t, fs, ft, time.Minute)
	ev := watchEvents(m)

	code, err := m.CreatePairing(context.Background())
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if code != "482913" {
		t.Errorf("code = %q", code)
	}
	if m.Phase() != AwaitingPeer {
		t.Fatalf("phase = %s, want awaiting-peer", m.Phase())
	}

	fs.handler().PeerJoined("remote")
	if m.Phase() != Negotiating || m.RemotePeerID() != "remote" {
		t.Fatalf("after peer-joined: phase %s remote %q", m.Phase(), m.RemotePeerID())
	}

	offer := fs.waitSent(t, signaling.TypeOffer)
	if offer.Target != "remote" {
		t.Errorf("offer target = %q", offer.Target)
	}
	if !strings.Contains(string(offer.Payload), `"type":"offer"`) {
		t.Errorf("offer payload = %s", offer.Payload)
	}

	// Local candidates trickle to the partner.
	ft.onLocal(webrtcCandidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host"))
	if c := fs.waitSent(t, signaling.TypeICECandidate); c.Target != "remote" {
		t.Errorf("candidate target = %q", c.Target)
	}

	fs.handler().Signal(signaling.Signal{
		Kind:    signaling.TypeAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	if h := ft.history(); !slices.Contains(h, "remote:answer") {
		t.Errorf("answer not applied: %v", h)
	}

	ft.open()
	ev.waitFor(t, Connected, 2*time.Second)

	if got := ft.sentMessages(); len(got) == 0 || got[0] != `{"type":"presence","online":true}` {
		t.Errorf("first channel message = %v, want presence online", got)
	}

	want := []Phase{AwaitingPeer, Negotiating, Connected}
	var got []Phase
	for _, e := range ev.events() {
		got = append(got, e.Phase)
	}
	if !slices.Equal(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
}

// TestResponderBuffersCandidates checks that candidates arriving before the
// offer, including one that beats the join result, are applied in order once
// the remote description is set.
func TestResponderBuffersCandidates(t *testing.T) {
	fs := &fakeSignaler{creator: "remote"}
	fs.onJoin = func(h signaling.Handler) {
		h.Signal(signaling.Signal{Kind: signaling.TypeICECandidate, Payload: candidatePayload("c0")})
	}
	ft := newFakeTransport()
	m := newTestManager(t, fs, ft, time.Minute)

	if err := m.JoinPairing(context.Background(), "482913"); err != nil {
		t.Fatalf("JoinPairing: %v", err)
	}
	if m.Phase() != Negotiating {
		t.Fatalf("phase = %s, want negotiating", m.Phase())
	}

	h := fs.handler()
	h.Signal(signaling.Signal{Kind: signaling.TypeICECandidate, Payload: candidatePayload("c1")})
	h.Signal(signaling.Signal{Kind: signaling.TypeICECandidate, Payload: candidatePayload("c2")})
	if n := len(ft.history()); n != 0 {
		t.Fatalf("candidates applied before remote description: %v", ft.history())
	}

	h.Signal(signaling.Signal{
		Kind:    signaling.TypeOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		From:    "remote",
	})
	h.Signal(signaling.Signal{Kind: signaling.TypeICECandidate, Payload: candidatePayload("c3")})

	want := []string{"remote:offer", "candidate:c0", "candidate:c1", "candidate:c2", "local:answer", "candidate:c3"}
	if got := ft.history(); !slices.Equal(got, want) {
		t.Errorf("transport calls:\n got %v\nwant %v", got, want)
	}

	answer := fs.waitSent(t, signaling.TypeAnswer)
	if answer.Target != "remote" || !strings.Contains(string(answer.Payload), "answer-sdp") {
		t.Errorf("answer = %+v", answer)
	}
}

func TestJoinFailureReturnsToIdle(t *testing.T) {
	for _, want := range []error{pairing.ErrCodeNotFound, pairing.ErrCodeAlreadyUsed} {
		t.Run(want.Error(), func(t *testing.T) {
			fs := &fakeSignaler{joinErr: want}
			m := newTestManager(t, fs, newFakeTransport(), time.Minute)
			ev := watchEvents(m)

			err := m.JoinPairing(context.Background(), "000000")
			if !errors.Is(err, want) {
				t.Fatalf("err = %v, want %v", err, want)
			}
			if m.Phase() != Idle {
				t.Errorf("phase = %s, want idle", m.Phase())
			}
			if !fs.isClosed() {
				t.Error("relay session left open")
			}
			if e := ev.waitFor(t, Idle, time.Second); !errors.Is(e.Err, want) {
				t.Errorf("idle event err = %v", e.Err)
			}
		})
	}
}

func TestNegotiationTimeout(t *testing.T) {
	fs := &fakeSignaler{code: "111111"}
	m := newTestManager(t, fs, newFakeTransport(), 50*time.Millisecond)
	ev := watchEvents(m)

	if _, err := m.CreatePairing(context.Background()); err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}

	e := ev.waitFor(t, Closed, 2*time.Second)
	if !errors.Is(e.Err, ErrNegotiationTimeout) {
		t.Errorf("closed reason = %v, want ErrNegotiationTimeout", e.Err)
	}
	deadline := time.Now().Add(time.Second)
	for !fs.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !fs.isClosed() {
		t.Error("relay session left open after timeout")
	}

	// Closed is re-armable.
	if _, err := m.CreatePairing(context.Background()); err != nil {
		t.Errorf("CreatePairing after timeout: %v", err)
	}
}

func TestBusyWhileAttemptLive(t *testing.T) {
	fs := &fakeSignaler{code: "222222"}
	m := newTestManager(t, fs, newFakeTransport(), time.Minute)

	if _, err := m.CreatePairing(context.Background()); err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if _, err := m.CreatePairing(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second create: err = %v, want ErrBusy", err)
	}
	if err := m.JoinPairing(context.Background(), "333333"); !errors.Is(err, ErrBusy) {
		t.Errorf("join while awaiting: err = %v, want ErrBusy", err)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	m := newTestManager(t, &fakeSignaler{}, newFakeTransport(), time.Minute)
	if err := m.SendPresenceMessage(presence.Nudge{Timestamp: 1}); !errors.Is(err, transport.ErrChannelSendFailed) {
		t.Errorf("err = %v, want ErrChannelSendFailed", err)
	}
}

func TestConnectedMessaging(t *testing.T) {
	fs := &fakeSignaler{code: "444444"}
	ft := newFakeTransport()
	m := newTestManager(t, fs, ft, time.Minute)
	ev := watchEvents(m)

	got := make(chan presence.Message, 4)
	m.OnMessage(func(msg presence.Message) { got <- msg })

	connectInitiator(t, m, fs, ft, ev)

	if err := m.SendPresenceMessage(presence.Nudge{Timestamp: 42}); err != nil {
		t.Fatalf("SendPresenceMessage: %v", err)
	}
	if out := ft.sentMessages(); out[len(out)-1] != `{"type":"nudge","timestamp":42}` {
		t.Errorf("sent = %v", out)
	}

	ft.deliver(`{"type":"hologram"}`)
	ft.deliver(`{"type":"typing","active":true}`)
	select {
	case msg := <-got:
		if msg.Type() != presence.TypeTyping {
			t.Errorf("delivered %#v, want the typing passthrough", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	if !m.Presence().State().PeerOnline {
		t.Error("partner not marked online after a message")
	}
}

// TestPeerDisconnectedClosesOnce follows the relay telling a connected side
// its partner left.
func TestPeerDisconnectedClosesOnce(t *testing.T) {
	fs := &fakeSignaler{code: "555555"}
	ft := newFakeTransport()
	m := newTestManager(t, fs, ft, time.Minute)
	ev := watchEvents(m)
	connectInitiator(t, m, fs, ft, ev)

	fs.handler().PeerDisconnected()
	fs.handler().PeerDisconnected()

	e := ev.waitFor(t, Closed, time.Second)
	if !errors.Is(e.Err, ErrPeerDisconnected) || !errors.Is(e.Err, transport.ErrDisconnected) {
		t.Errorf("closed reason = %v", e.Err)
	}
	if e.RemotePeerID != "remote" {
		t.Errorf("closed event remote = %q", e.RemotePeerID)
	}

	time.Sleep(50 * time.Millisecond)
	closed := 0
	for _, e := range ev.events() {
		if e.Phase == Closed {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("%d closed events, want 1", closed)
	}
	if st := m.Presence().State(); st.ChannelOpen {
		t.Error("presence still open")
	}
	if m.RemotePeerID() != "" {
		t.Error("remote peer not cleared")
	}
}

func TestTransportLossCloses(t *testing.T) {
	fs := &fakeSignaler{code: "666666"}
	ft := newFakeTransport()
	m := newTestManager(t, fs, ft, time.Minute)
	ev := watchEvents(m)
	connectInitiator(t, m, fs, ft, ev)

	ft.finish(transport.ErrICEFailure)

	if e := ev.waitFor(t, Closed, time.Second); !errors.Is(e.Err, transport.ErrICEFailure) {
		t.Errorf("closed reason = %v, want ErrICEFailure", e.Err)
	}
}

func TestRelayLoss(t *testing.T) {
	t.Run("while connected", func(t *testing.T) {
		fs := &fakeSignaler{code: "777777"}
		ft := newFakeTransport()
		m := newTestManager(t, fs, ft, time.Minute)
		ev := watchEvents(m)
		connectInitiator(t, m, fs, ft, ev)

		fs.handler().SessionClosed(errors.New("relay restarted"))
		time.Sleep(20 * time.Millisecond)
		if m.Phase() != Connected {
			t.Errorf("phase = %s, want connected", m.Phase())
		}
	})

	t.Run("while awaiting peer", func(t *testing.T) {
		fs := &fakeSignaler{code: "888888"}
		m := newTestManager(t, fs, newFakeTransport(), time.Minute)
		ev := watchEvents(m)
		if _, err := m.CreatePairing(context.Background()); err != nil {
			t.Fatalf("CreatePairing: %v", err)
		}

		fs.handler().SessionClosed(errors.New("relay restarted"))
		if e := ev.waitFor(t, Closed, time.Second); !errors.Is(e.Err, transport.ErrDisconnected) {
			t.Errorf("closed reason = %v", e.Err)
		}
	})
}

// TestDisconnectSilencesAttempt checks that nothing from a torn-down attempt
// reaches the subscriber.
func TestDisconnectSilencesAttempt(t *testing.T) {
	fs := &fakeSignaler{code: "999999"}
	ft := newFakeTransport()
	m := newTestManager(t, fs, ft, 250*time.Millisecond)
	ev := watchEvents(m)
	msgs := make(chan presence.Message, 4)
	m.OnMessage(func(msg presence.Message) { msgs <- msg })

	connectInitiator(t, m, fs, ft, ev)
	h := fs.handler()

	m.Disconnect()

	if m.Phase() != Idle {
		t.Fatalf("phase = %s, want idle", m.Phase())
	}
	if !fs.isClosed() {
		t.Error("relay session not closed")
	}
	if hist := ft.history(); hist[len(hist)-1] != "close" {
		t.Errorf("transport not closed: %v", hist)
	}
	if out := ft.sentMessages(); len(out) > 0 && out[len(out)-1] != `{"type":"presence","online":false}` {
		t.Errorf("last message before teardown = %s", out[len(out)-1])
	}

	ev.waitFor(t, Idle, time.Second)
	before := len(ev.events())

	// Late callbacks from every source of the old attempt.
	h.PeerDisconnected()
	h.Signal(signaling.Signal{Kind: signaling.TypeICECandidate, Payload: candidatePayload("late")})
	h.SessionClosed(errors.New("gone"))
	ft.deliver(`{"type":"nudge","timestamp":1}`)
	time.Sleep(300 * time.Millisecond) // past the negotiation timeout

	if after := ev.events(); len(after) != before {
		t.Errorf("events after Disconnect: %+v", after[before:])
	}
	select {
	case msg := <-msgs:
		t.Errorf("message after Disconnect: %#v", msg)
	default:
	}
}

func TestCloseIsFinal(t *testing.T) {
	m := newTestManager(t, &fakeSignaler{}, newFakeTransport(), time.Minute)
	m.Close()
	if _, err := m.CreatePairing(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("err = %v, want ErrManagerClosed", err)
	}
}

package peer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/syncspace/internal/signaling"
	"github.com/1ureka/syncspace/internal/transport"
)

// Compile-time interface checks.
var (
	_ Signaler  = (*fakeSignaler)(nil)
	_ Transport = (*fakeTransport)(nil)
)

// fakeSignaler stands in for the relay client.
type fakeSignaler struct {
	code    string
	creator string
	joinErr error
	onJoin  func(h signaling.Handler) // runs inside JoinPairing, before it returns

	mu     sync.Mutex
	h      signaling.Handler
	sent   []signaling.Signal
	closed bool
}

func (f *fakeSignaler) dial(_ context.Context, h signaling.Handler) (Signaler, error) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
	return f, nil
}

func (f *fakeSignaler) handler() signaling.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeSignaler) CreatePairing(context.Context, string) (string, error) {
	return f.code, nil
}

func (f *fakeSignaler) JoinPairing(context.Context, string, string) (string, error) {
	if f.joinErr != nil {
		return "", f.joinErr
	}
	if f.onJoin != nil {
		f.onJoin(f.handler())
	}
	return f.creator, nil
}

func (f *fakeSignaler) SendSignal(kind signaling.MessageType, payload json.RawMessage, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, signaling.Signal{Kind: kind, Payload: payload, Target: target})
	return nil
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSignaler) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSignaler) signals() []signaling.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signaling.Signal(nil), f.sent...)
}

// waitSent polls until a signal of kind has been sent.
func (f *fakeSignaler) waitSent(t *testing.T, kind signaling.MessageType) signaling.Signal {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range f.signals() {
			if s.Kind == kind {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s sent; got %+v", kind, f.signals())
	return signaling.Signal{}
}

// fakeTransport records what the manager applies to it.
type fakeTransport struct {
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	calls   []string
	out     [][]byte
	onLocal func(webrtc.ICECandidateInit)
	onMsg   func([]byte)
	err     error
	once    sync.Once
	opened  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: make(chan struct{}), done: make(chan struct{})}
}

// factory hands out ft once and ties it to the attempt context.
func (ft *fakeTransport) factory(ctx context.Context) (Transport, error) {
	go func() {
		<-ctx.Done()
		ft.finish(transport.ErrDisconnected)
	}()
	return ft, nil
}

func (ft *fakeTransport) record(call string) {
	ft.mu.Lock()
	ft.calls = append(ft.calls, call)
	ft.mu.Unlock()
}

func (ft *fakeTransport) history() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.calls...)
}

func (ft *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (ft *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (ft *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	ft.record("local:" + d.Type.String())
	return nil
}

func (ft *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	ft.record("remote:" + d.Type.String())
	return nil
}

func (ft *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	ft.record("candidate:" + c.Candidate)
	return nil
}

func (ft *fakeTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	ft.mu.Lock()
	ft.onLocal = fn
	ft.mu.Unlock()
}

func (ft *fakeTransport) OnMessage(fn func([]byte)) {
	ft.mu.Lock()
	ft.onMsg = fn
	ft.mu.Unlock()
}

func (ft *fakeTransport) Send(data []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.opened {
		return transport.ErrChannelSendFailed
	}
	ft.out = append(ft.out, append([]byte(nil), data...))
	return nil
}

func (ft *fakeTransport) sentMessages() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]string, len(ft.out))
	for i, b := range ft.out {
		out[i] = string(b)
	}
	return out
}

func (ft *fakeTransport) Ready() <-chan struct{} { return ft.ready }
func (ft *fakeTransport) Done() <-chan struct{}  { return ft.done }

func (ft *fakeTransport) Err() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.err
}

func (ft *fakeTransport) Close() error {
	ft.record("close")
	ft.finish(transport.ErrDisconnected)
	return nil
}

// open simulates the data channel opening.
func (ft *fakeTransport) open() {
	ft.mu.Lock()
	ft.opened = true
	ft.mu.Unlock()
	close(ft.ready)
}

// deliver simulates an inbound data-channel message.
func (ft *fakeTransport) deliver(data string) {
	ft.mu.Lock()
	fn := ft.onMsg
	ft.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

func (ft *fakeTransport) finish(err error) {
	ft.once.Do(func() {
		ft.mu.Lock()
		ft.err = err
		ft.opened = false
		ft.mu.Unlock()
		close(ft.done)
	})
}

// eventLog collects StateEvents from a manager.
type eventLog struct {
	ch chan StateEvent

	mu  sync.Mutex
	all []StateEvent
}

func watchEvents(m *Manager) *eventLog {
	l := &eventLog{ch: make(chan StateEvent, 64)}
	m.OnStateChange(func(ev StateEvent) {
		l.mu.Lock()
		l.all = append(l.all, ev)
		l.mu.Unlock()
		l.ch <- ev
	})
	return l
}

func (l *eventLog) events() []StateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StateEvent(nil), l.all...)
}

// waitFor consumes events until one with the given phase arrives.
func (l *eventLog) waitFor(t *testing.T, p Phase, timeout time.Duration) StateEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-l.ch:
			if ev.Phase == p {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s; saw %+v", p, timeout, l.events())
			return StateEvent{}
		}
	}
}

func candidatePayload(s string) json.RawMessage {
	b, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: s})
	return b
}

func webrtcCandidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

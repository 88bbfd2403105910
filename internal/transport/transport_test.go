package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// connectPair negotiates two in-process transports with host candidates
// only and waits for both data channels to open.
func connectPair(t *testing.T) (a, b *Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var err error
	if a, err = New(ctx, nil); err != nil {
		t.Fatalf("New(a): %v", err)
	}
	if b, err = New(ctx, nil); err != nil {
		t.Fatalf("New(b): %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	fromA := make(chan webrtc.ICECandidateInit, 64)
	fromB := make(chan webrtc.ICECandidateInit, 64)
	a.OnLocalCandidate(func(c webrtc.ICECandidateInit) { fromA <- c })
	b.OnLocalCandidate(func(c webrtc.ICECandidateInit) { fromB <- c })

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("a.SetLocalDescription: %v", err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatalf("b.SetRemoteDescription: %v", err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatalf("b.SetLocalDescription: %v", err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatalf("a.SetRemoteDescription: %v", err)
	}

	// Both remote descriptions are set, so candidates can flow freely.
	forward := func(src <-chan webrtc.ICECandidateInit, dst *Transport) {
		for {
			select {
			case c := <-src:
				dst.AddICECandidate(c)
			case <-ctx.Done():
				return
			}
		}
	}
	go forward(fromA, b)
	go forward(fromB, a)

	for _, tr := range []*Transport{a, b} {
		select {
		case <-tr.Ready():
		case <-time.After(15 * time.Second):
			t.Fatal("data channel did not open")
		}
	}
	return a, b
}

func TestTransportSendBeforeOpen(t *testing.T) {
	tr, err := New(context.Background(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	if err := tr.Send([]byte(`{"type":"nudge"}`)); !errors.Is(err, ErrChannelSendFailed) {
		t.Errorf("Send before open: err = %v, want ErrChannelSendFailed", err)
	}
	if tr.Err() != nil {
		t.Errorf("Err on live transport = %v", tr.Err())
	}
}

func TestTransportLoopback(t *testing.T) {
	a, b := connectPair(t)

	got := make(chan string, 8)
	b.OnMessage(func(data []byte) { got <- string(data) })

	msgs := []string{`{"type":"presence","online":true}`, `{"type":"nudge","timestamp":1}`, `{"type":"typing"}`}
	for _, m := range msgs {
		if err := a.Send([]byte(m)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// The channel is ordered and reliable.
	for i, want := range msgs {
		select {
		case m := <-got:
			if m != want {
				t.Errorf("message %d = %s, want %s", i, m, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestTransportCloseReportsDisconnect(t *testing.T) {
	a, b := connectPair(t)

	a.Close()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("closed transport not done")
	}
	if !errors.Is(a.Err(), ErrDisconnected) {
		t.Errorf("a.Err = %v, want ErrDisconnected", a.Err())
	}

	select {
	case <-b.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("remote side never noticed the close")
	}
	if b.Err() == nil {
		t.Error("b.Err = nil after remote close")
	}
	if err := b.Send([]byte("x")); !errors.Is(err, ErrChannelSendFailed) {
		t.Errorf("Send after close: err = %v", err)
	}
}

package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/syncspace/internal/signaling"
	"github.com/1ureka/syncspace/internal/util"
)

// Compile-time interface check.
var _ signaling.Handler = (*attempt)(nil)

// attempt is one create or join, from the first relay request until
// teardown. A Manager only acts on callbacks from its current attempt, so a
// torn-down attempt's late callbacks are ignored.
//
// Fields below the blank line are guarded by the manager's lock.
type attempt struct {
	m      *Manager
	role   signaling.Role
	ctx    context.Context // cancelled on teardown
	cancel context.CancelFunc
	timer  *time.Timer

	out *outbox

	sig       Signaler
	tr        Transport
	remote    string // set once, before any transport callback can fire
	remoteSet bool   // remote description applied
	pending   candidateQueue
	early     []signaling.Signal // responder signals that beat the join result
}

// signaling.Handler, called on the relay client's read goroutine.

func (a *attempt) PeerJoined(peerID string)    { a.m.onPeerJoined(a, peerID) }
func (a *attempt) Signal(sig signaling.Signal) { a.m.onSignal(a, sig) }
func (a *attempt) PeerDisconnected()           { a.m.onPeerDisconnected(a) }
func (a *attempt) SessionClosed(err error)     { a.m.onSessionClosed(a, err) }

// send queues an offer, answer or candidate for the relay. It never blocks,
// so it is safe under the manager's lock and from pion callbacks.
func (a *attempt) send(kind signaling.MessageType, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		util.LogError("failed to encode %s: %v", kind, err)
		return
	}
	a.out.push(outbound{kind: kind, payload: payload, target: a.remote})
}

func (a *attempt) sendCandidate(c webrtc.ICECandidateInit) {
	a.send(signaling.TypeICECandidate, c)
}

// pump is the single writer towards the relay for this attempt.
func (a *attempt) pump(sig Signaler) {
	for {
		select {
		case <-a.out.wake:
			for _, o := range a.out.drain() {
				if err := sig.SendSignal(o.kind, o.payload, o.target); err != nil {
					util.LogDebugEvent("signal not sent", "type", o.kind, "reason", err)
				}
			}
		case <-a.ctx.Done():
			return
		}
	}
}

type outbound struct {
	kind    signaling.MessageType
	payload json.RawMessage
	target  string
}

// outbox is an unbounded FIFO with a wake signal.
type outbox struct {
	mu    sync.Mutex
	items []outbound
	wake  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(item outbound) {
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() []outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

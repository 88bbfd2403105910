package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/syncspace/internal/storage"
	"github.com/1ureka/syncspace/internal/transport"
	"github.com/1ureka/syncspace/internal/util"
)

// Storage keys for persisted presence state.
const (
	KeyStreakCount    = "streakCount"
	KeyLastStreakDate = "lastStreakDate"
	KeyLastSeenAt     = "lastSeenAt"
)

// DefaultHeartbeat is how often presence{online:true} is repeated while the
// channel is open.
const DefaultHeartbeat = 30 * time.Second

// State is the presence view of the partner.
type State struct {
	ChannelOpen bool
	PeerOnline  bool
	LastSeenAt  time.Time
	Streak      Streak
}

// Protocol owns State and drives the presence exchange on one data channel
// at a time.
type Protocol struct {
	store     storage.Store
	now       func() time.Time
	heartbeat time.Duration

	mu    sync.Mutex
	state State
	send  func([]byte) error
	stop  chan struct{} // closed to end the current heartbeat
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithHeartbeat sets the heartbeat interval. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Protocol) { p.heartbeat = d }
}

// New creates a Protocol persisting into store.
func New(store storage.Store, opts ...Option) *Protocol {
	p := &Protocol{
		store:     store,
		now:       time.Now,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load restores the persisted streak and last-seen time. Missing keys leave
// the zero values.
func (p *Protocol) Load(ctx context.Context) error {
	count, err := p.get(ctx, KeyStreakCount)
	if err != nil {
		return err
	}
	date, err := p.get(ctx, KeyLastStreakDate)
	if err != nil {
		return err
	}
	seen, err := p.get(ctx, KeyLastSeenAt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if count != "" {
		if n, err := strconv.Atoi(count); err == nil {
			p.state.Streak.Count = n
		}
	}
	p.state.Streak.LastDate = date
	if seen != "" {
		if ms, err := strconv.ParseInt(seen, 10, 64); err == nil {
			p.state.LastSeenAt = time.UnixMilli(ms)
		}
	}
	return nil
}

// Open starts presence on a freshly opened channel: it announces
// presence{online:true} once, runs streak accounting and starts the
// heartbeat. send writes one message to the channel.
func (p *Protocol) Open(ctx context.Context, send func([]byte) error) error {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
	}
	stop := make(chan struct{})
	p.stop = stop
	p.send = send
	p.state.ChannelOpen = true
	p.mu.Unlock()

	announceErr := p.Announce(true)

	if _, err := p.UpdateStreak(ctx); err != nil {
		util.LogWarning("failed to persist streak: %v", err)
	}

	if p.heartbeat > 0 {
		go p.beat(stop)
	}
	return announceErr
}

// Close marks the channel closed and the partner offline, and stops the
// heartbeat. Nothing is sent: the channel may already be gone.
func (p *Protocol) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.send = nil
	p.state.ChannelOpen = false
	p.state.PeerOnline = false
}

// Announce sends presence{online}.
func (p *Protocol) Announce(online bool) error {
	return p.Send(Presence{Online: online})
}

// Send encodes and writes m. It fails with transport.ErrChannelSendFailed
// while no channel is open.
func (p *Protocol) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	p.mu.Lock()
	send := p.send
	p.mu.Unlock()

	if send == nil {
		return transport.ErrChannelSendFailed
	}
	return send(data)
}

// Receive decodes an inbound message and updates State. Every well-formed
// message counts as a sign of life. Unknown types return ErrUnknownType and
// should be ignored.
func (p *Protocol) Receive(ctx context.Context, data []byte) (Message, error) {
	msg, err := Decode(data)
	if err != nil && !errors.Is(err, ErrUnknownType) {
		return nil, err
	}

	now := p.now()
	p.mu.Lock()
	p.state.LastSeenAt = now
	if pr, ok := msg.(Presence); ok {
		p.state.PeerOnline = pr.Online
	} else if msg != nil {
		p.state.PeerOnline = true
	}
	p.mu.Unlock()

	if perr := p.store.Set(ctx, KeyLastSeenAt, strconv.FormatInt(now.UnixMilli(), 10)); perr != nil {
		util.LogDebugEvent("last-seen not persisted", "reason", perr)
	}
	return msg, err
}

// UpdateStreak counts today towards the streak and persists it. Calling it
// again on the same calendar day changes nothing.
func (p *Protocol) UpdateStreak(ctx context.Context) (Streak, error) {
	p.mu.Lock()
	next, changed := p.state.Streak.Advance(p.now())
	p.state.Streak = next
	p.mu.Unlock()

	if !changed {
		return next, nil
	}

	if err := p.store.Set(ctx, KeyStreakCount, strconv.Itoa(next.Count)); err != nil {
		return next, err
	}
	if err := p.store.Set(ctx, KeyLastStreakDate, next.LastDate); err != nil {
		return next, err
	}
	util.LogDebugEvent("streak updated", "count", next.Count, "date", next.LastDate)
	return next, nil
}

// State returns a copy of the current presence state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Protocol) beat(stop <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			data, _ := Encode(Presence{Online: true})

			// Held across the send so nothing goes out once Close returns.
			p.mu.Lock()
			if p.stop != stop || p.send == nil {
				p.mu.Unlock()
				return
			}
			err := p.send(data)
			p.mu.Unlock()

			if err != nil {
				util.LogDebugEvent("heartbeat not sent", "reason", err)
			}

		case <-stop:
			return
		}
	}
}

func (p *Protocol) get(ctx context.Context, key string) (string, error) {
	v, err := p.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}

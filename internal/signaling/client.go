package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/syncspace/internal/pairing"
	"github.com/1ureka/syncspace/internal/util"
)

// Handler receives relay notifications on the client's read goroutine, one
// at a time and in arrival order. Handlers must not call CreatePairing or
// JoinPairing on the same client, since the reply would be read by the very
// goroutine they block.
type Handler interface {
	PeerJoined(peerID string)
	Signal(sig Signal)
	PeerDisconnected()
	// SessionClosed fires once when the relay connection drops. It does not
	// fire after a local Close.
	SessionClosed(err error)
}

// Client is one signaling session with the relay.
type Client struct {
	conn    *websocket.Conn
	handler Handler

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Result
	closed  bool // set by Close, suppresses SessionClosed

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to the relay's /ws endpoint and starts the read loop.
func Dial(ctx context.Context, url string, h Handler) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		conn:    conn,
		handler: h,
		pending: make(map[uint64]chan Result),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// CreatePairing asks the relay for a new code.
func (c *Client) CreatePairing(ctx context.Context, peerID string) (string, error) {
	res, err := c.request(ctx, func(id uint64) Message {
		return CreatePairing{ID: id, PeerID: peerID}
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", resultError(res)
	}
	return res.Code, nil
}

// JoinPairing claims code and returns the creator's peer ID. A missing code
// yields pairing.ErrCodeNotFound and a claimed one pairing.ErrCodeAlreadyUsed.
func (c *Client) JoinPairing(ctx context.Context, code, peerID string) (string, error) {
	res, err := c.request(ctx, func(id uint64) Message {
		return JoinPairing{ID: id, Code: code, PeerID: peerID}
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", resultError(res)
	}
	return res.PeerID, nil
}

// SendSignal sends an offer, answer or ICE candidate addressed to target.
// Delivery is fire-and-forget.
func (c *Client) SendSignal(kind MessageType, payload json.RawMessage, target string) error {
	if !IsSignalKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	return c.write(Signal{Kind: kind, Payload: payload, Target: target})
}

// Done is closed when the session has ended for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the session. The handler is not notified.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	c.finish()
	return c.conn.Close()
}

func (c *Client) request(ctx context.Context, build func(id uint64) Message) (Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(build(id)); err != nil {
		return Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return Result{}, ErrSessionClosed
	}
}

// write serializes outgoing frames; gorilla allows one concurrent writer.
func (c *Client) write(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", m.Type(), err)
	}
	return nil
}

func (c *Client) readLoop() {
	var err error
	for {
		var data []byte
		if _, data, err = c.conn.ReadMessage(); err != nil {
			break
		}

		msg, decErr := Decode(data)
		if decErr != nil {
			util.LogDebugEvent("relay frame ignored", "reason", decErr)
			continue
		}

		switch m := msg.(type) {
		case Result:
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- m:
				default:
				}
			}
		case PeerJoined:
			c.handler.PeerJoined(m.PeerID)
		case Signal:
			c.handler.Signal(m)
		case PeerDisconnected:
			c.handler.PeerDisconnected()
		default:
			util.LogDebugEvent("unexpected relay message", "type", msg.Type())
		}
	}

	c.finish()

	c.mu.Lock()
	local := c.closed
	c.mu.Unlock()

	if !local {
		c.handler.SessionClosed(err)
	}
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// resultError maps a failed Result onto the pairing sentinel errors.
func resultError(res Result) error {
	switch res.Error {
	case ErrorNotFound:
		return pairing.ErrCodeNotFound
	case ErrorAlreadyUsed:
		return pairing.ErrCodeAlreadyUsed
	default:
		return fmt.Errorf("relay rejected request: %s", res.Error)
	}
}

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/syncspace/internal/util"
)

const (
	outboxSize   = 64          // queued messages per session before drops
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024 // SDP plus slack
)

// ErrSessionClosed is returned when sending on a session that has ended.
var ErrSessionClosed = errors.New("signaling session closed")

var errOutboxFull = errors.New("session outbox full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Relay over WebSocket:
//
//	GET /ws       signaling session
//	GET /healthz  liveness probe
//	GET /stats    live pairings, bound sessions and relay counters
type Server struct {
	relay        *Relay
	pingInterval time.Duration
	router       chi.Router

	listener net.Listener
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// NewServer wraps relay. A positive pingInterval enables keepalive pings;
// a session that misses two consecutive pongs is ended.
func NewServer(relay *Relay, pingInterval time.Duration) *Server {
	s := &Server{
		relay:        relay,
		pingInterval: pingInterval,
		sessions:     make(map[string]*wsSession),
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	s.router = r

	return s
}

// ServeHTTP lets the server be mounted on any mux or an httptest.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins listening on addr. Returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start relay server: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s, ReadHeaderTimeout: writeWait}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Close stops accepting connections and ends every live session, which
// notifies their counterparts.
func (s *Server) Close() error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Close()
	}

	s.mu.Lock()
	live := make([]*wsSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.close()
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan Message, outboxSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	util.Stats.OpenSession()
	util.LogDebugEvent("session opened", "session", sess.id, "remote", r.RemoteAddr)

	go sess.writeLoop(s.pingInterval)
	s.readLoop(sess)

	s.relay.OnSessionEnd(sess)
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	util.Stats.CloseSession()
	util.LogDebugEvent("session closed", "session", sess.id)
}

// readLoop dispatches inbound frames to the relay until the connection
// fails or the session is closed.
func (s *Server) readLoop(sess *wsSession) {
	conn := sess.conn
	conn.SetReadLimit(maxFrameSize)

	if s.pingInterval > 0 {
		grace := 2 * s.pingInterval
		conn.SetReadDeadline(time.Now().Add(grace))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(grace))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if s.pingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		}

		msg, err := Decode(data)
		if err != nil {
			util.LogDebugEvent("frame ignored", "session", sess.id, "reason", err)
			continue
		}

		switch m := msg.(type) {
		case CreatePairing:
			s.relay.OnCreatePairing(sess, m.ID, m.PeerID)
		case JoinPairing:
			s.relay.OnJoinPairing(sess, m.ID, m.Code, m.PeerID)
		case Signal:
			s.relay.OnSignal(sess, m)
		default:
			util.LogDebugEvent("unexpected client message", "session", sess.id, "type", msg.Type())
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Pairings int                `json:"pairings"`
		Bound    int                `json:"boundSessions"`
		Counters util.StatsSnapshot `json:"counters"`
	}{
		Pairings: s.relay.Store().Len(),
		Bound:    s.relay.SessionCount(),
		Counters: util.Stats.Snapshot(),
	})
}

// wsSession is the relay's view of one WebSocket. Outbound messages go
// through a bounded outbox drained by a single writer goroutine.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	outbox chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *wsSession) ID() string { return s.id }

// Send enqueues m without blocking.
func (s *wsSession) Send(m Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- m:
		return nil
	default:
		return errOutboxFull
	}
}

// close ends the session; the blocked ReadMessage in readLoop returns.
func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writeLoop is the single writer for the connection. It drains the outbox
// and sends keepalive pings.
func (s *wsSession) writeLoop(pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case m := <-s.outbox:
			data, err := Encode(m)
			if err != nil {
				util.LogDebugEvent("encode failed", "session", s.id, "reason", err)
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}

		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}

		case <-s.done:
			return
		}
	}
}

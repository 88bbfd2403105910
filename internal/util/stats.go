package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global relay stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay counter set.
var Stats = &stats{}

type stats struct {
	SessionsOpened atomic.Int64 // cumulative WebSocket sessions accepted
	SessionsClosed atomic.Int64 // cumulative WebSocket sessions ended
	PairingsMade   atomic.Int64 // cumulative successful joins
	SignalsRelayed atomic.Int64 // offer/answer/ice-candidate messages forwarded
	SignalsDropped atomic.Int64 // signals with no live counterpart
}

func (s *stats) OpenSession()   { s.SessionsOpened.Add(1) }
func (s *stats) CloseSession()  { s.SessionsClosed.Add(1) }
func (s *stats) AddPairing()    { s.PairingsMade.Add(1) }
func (s *stats) AddRelayed()    { s.SignalsRelayed.Add(1) }
func (s *stats) AddDropped()    { s.SignalsDropped.Add(1) }
func (s *stats) LiveSessions() int64 {
	return s.SessionsOpened.Load() - s.SessionsClosed.Load()
}

// StatsSnapshot is a point-in-time copy of the counters, served by the
// relay's /stats endpoint.
type StatsSnapshot struct {
	SessionsOpened int64 `json:"sessionsOpened"`
	SessionsClosed int64 `json:"sessionsClosed"`
	LiveSessions   int64 `json:"liveSessions"`
	PairingsMade   int64 `json:"pairingsMade"`
	SignalsRelayed int64 `json:"signalsRelayed"`
	SignalsDropped int64 `json:"signalsDropped"`
}

// Snapshot loads every counter once.
func (s *stats) Snapshot() StatsSnapshot {
	opened := s.SessionsOpened.Load()
	closed := s.SessionsClosed.Load()
	return StatsSnapshot{
		SessionsOpened: opened,
		SessionsClosed: closed,
		LiveSessions:   opened - closed,
		PairingsMade:   s.PairingsMade.Load(),
		SignalsRelayed: s.SignalsRelayed.Load(),
		SignalsDropped: s.SignalsDropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev StatsSnapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats renders the delta between two snapshots plus the live gauge.
func formatStats(prev, cur StatsSnapshot) string {
	return fmt.Sprintf("Sessions: %3d live (%2d↑ %2d↓) | Pairings: %2d | Signals: %4d relayed, %3d dropped",
		cur.LiveSessions,
		cur.SessionsOpened-prev.SessionsOpened,
		cur.SessionsClosed-prev.SessionsClosed,
		cur.PairingsMade-prev.PairingsMade,
		cur.SignalsRelayed-prev.SignalsRelayed,
		cur.SignalsDropped-prev.SignalsDropped,
	)
}

package peer

import "github.com/pion/webrtc/v4"

// candidateQueue holds remote ICE candidates that arrive before the remote
// description is set. They are applied in receipt order once it is.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) Push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// Drain returns every queued candidate, oldest first, and empties the queue.
func (q *candidateQueue) Drain() []webrtc.ICECandidateInit {
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Reset() { q.items = nil }

func (q *candidateQueue) Len() int { return len(q.items) }

package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCandidateQueueFIFO(t *testing.T) {
	var q candidateQueue
	for _, c := range []string{"a", "b", "c"} {
		q.Push(webrtc.ICECandidateInit{Candidate: c})
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d", q.Len())
	}

	got := q.Drain()
	if len(got) != 3 || got[0].Candidate != "a" || got[1].Candidate != "b" || got[2].Candidate != "c" {
		t.Errorf("Drain = %+v", got)
	}
	if q.Len() != 0 || len(q.Drain()) != 0 {
		t.Error("queue not empty after Drain")
	}

	q.Push(webrtc.ICECandidateInit{Candidate: "d"})
	q.Reset()
	if q.Len() != 0 {
		t.Error("Reset left candidates")
	}
}

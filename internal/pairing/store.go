// Package pairing issues and tracks the short-lived numeric codes two peers
// exchange out-of-band to find each other through the relay.
package pairing

import (
	"errors"
	"sync"
	"time"

	"github.com/1ureka/syncspace/internal/util"
)

const (
	// CodeLength is the number of digits in a pairing code.
	CodeLength = 6

	// DefaultExpiry is how long an issued code stays live.
	DefaultExpiry = 10 * time.Minute

	// DefaultSweepInterval is how often expired codes are purged.
	DefaultSweepInterval = 5 * time.Minute

	// codeSpace is the number of distinct 6-digit codes (100000..999999).
	codeSpace = 900000
)

var (
	ErrCodeNotFound    = errors.New("pairing code not found")
	ErrCodeAlreadyUsed = errors.New("pairing code already used")
	ErrCodeSpaceFull   = errors.New("pairing code space exhausted")
)

// Code is a single live pairing record. SessionRefs are opaque handles back
// to the relay session of each side.
type Code struct {
	Code              string
	CreatorPeerID     string
	CreatorSessionRef string
	JoinerPeerID      string // empty until joined
	JoinerSessionRef  string // empty until joined
	CreatedAt         time.Time
}

// Joined reports whether a joiner has already claimed the code.
func (c Code) Joined() bool { return c.JoinerPeerID != "" }

// Store holds the live set of pairing codes. All methods are safe for
// concurrent use; Join is an atomic check-and-set.
type Store struct {
	mu    sync.Mutex
	codes map[string]*Code

	now      func() time.Time
	generate func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithGenerator replaces the random code generator, for tests.
func WithGenerator(gen func() string) Option {
	return func(s *Store) { s.generate = gen }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		codes:    make(map[string]*Code),
		now:      time.Now,
		generate: func() string { return util.RandomDigits(CodeLength) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a code not currently live and records the caller as its
// creator. Collisions are regenerated.
func (s *Store) Create(peerID, sessionRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.codes) >= codeSpace {
		return "", ErrCodeSpaceFull
	}

	code := s.generate()
	for attempts := 1; s.codes[code] != nil; attempts++ {
		if attempts >= codeSpace {
			return "", ErrCodeSpaceFull
		}
		code = s.generate()
	}

	s.codes[code] = &Code{
		Code:              code,
		CreatorPeerID:     peerID,
		CreatorSessionRef: sessionRef,
		CreatedAt:         s.now(),
	}
	return code, nil
}

// Join claims a code for the joiner and returns a copy of the record with
// both sides filled in. A code accepts at most one joiner.
func (s *Store) Join(code, peerID, sessionRef string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return Code{}, ErrCodeNotFound
	}
	if rec.Joined() {
		return Code{}, ErrCodeAlreadyUsed
	}

	rec.JoinerPeerID = peerID
	rec.JoinerSessionRef = sessionRef
	return *rec, nil
}

// Get returns a copy of the live record for code.
func (s *Store) Get(code string) (Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return Code{}, false
	}
	return *rec, true
}

// Remove deletes a code. Removing an unknown code is a no-op.
func (s *Store) Remove(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
}

// ExpireOlderThan removes every record created before now-d and returns how
// many were removed.
func (s *Store) ExpireOlderThan(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-d)
	removed := 0
	for code, rec := range s.codes {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.codes, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of live codes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

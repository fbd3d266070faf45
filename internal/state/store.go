package state

import (
	"sync"
	"time"

	"github.com/austinkregel/codemd/internal/types"
)

// ChangeCallback is called after a mutation commits a change
type ChangeCallback func(PlayerState)

// Store serialises every read and write of PlayerState. While playing, the
// position advances with the clock and is capped at the track duration.
type Store struct {
	mu           sync.Mutex
	state        PlayerState
	playingSince time.Time
	now          func() time.Time

	observersMu sync.RWMutex
	observers   []ChangeCallback
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithVolume sets the initial volume percentage
func WithVolume(v int) Option {
	return func(s *Store) { s.state.Volume = min(max(v, 0), 100) }
}

// NewStore creates a store with an empty playlist
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: PlayerState{
			Status: types.StatusStopped,
			Index:  -1,
			Volume: 100,
			Loop:   types.LoopOff,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers a callback invoked, without the lock held, after every
// committed change. Callbacks from concurrent mutations may interleave;
// Revision orders them.
func (s *Store) OnChange(callback ChangeCallback) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, callback)
}

func (s *Store) notifyChange(st PlayerState) {
	s.observersMu.RLock()
	observers := append([]ChangeCallback(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, cb := range observers {
		cb(st.Clone())
	}
}

// Snapshot returns a consistent deep copy of the current state
func (s *Store) Snapshot() PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(s.now())
}

// Playlist returns a copy of the playlist
func (s *Store) Playlist() []types.TrackRef {
	return s.Snapshot().Playlist
}

// current materialises the clock-derived position. Caller holds mu.
func (s *Store) current(now time.Time) PlayerState {
	st := s.state.Clone()
	if st.Status == types.StatusPlaying && !s.playingSince.IsZero() {
		st.Position += now.Sub(s.playingSince).Seconds()
		st.clampPosition()
	}
	return st
}

// Apply runs m atomically. On error nothing changes and the error is
// returned together with the unchanged state.
func (s *Store) Apply(m Mutation) (PlayerState, error) {
	s.mu.Lock()
	now := s.now()
	before := s.current(now)
	next := before.Clone()
	if err := m.apply(&next); err != nil {
		s.mu.Unlock()
		return before, err
	}

	changed := !next.equal(before)
	if changed {
		next.Revision = before.Revision + 1
	}
	s.state = next
	s.playingSince = time.Time{}
	if next.Status == types.StatusPlaying {
		s.playingSince = now
	}
	result := next.Clone()
	s.mu.Unlock()

	if changed {
		s.notifyChange(result)
	}
	return result, nil
}

// Package events fans state and job changes out to independent subscribers.
package events

import (
	"time"

	"github.com/austinkregel/codemd/internal/state"
)

// Kind tags an event
type Kind string

const (
	PlaybackChanged Kind = "PLAYBACK_CHANGED"
	JobProgress     Kind = "JOB_PROGRESS"
	JobCompleted    Kind = "JOB_COMPLETED"
)

// PlaybackKey is the ordering key shared by all playback events
const PlaybackKey = "playback"

// Event is a single notification. Events sharing a Key are delivered to
// each subscriber in non-decreasing Seq order; stale ones are dropped.
type Event struct {
	Kind    Kind      `json:"kind"`
	Key     string    `json:"key,omitempty"`
	Seq     float64   `json:"-"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Publisher accepts events
type Publisher interface {
	Publish(Event)
}

// Playback builds a PLAYBACK_CHANGED event ordered by the state revision
func Playback(st state.PlayerState) Event {
	return Event{
		Kind:    PlaybackChanged,
		Key:     PlaybackKey,
		Seq:     float64(st.Revision),
		At:      time.Now(),
		Payload: st,
	}
}

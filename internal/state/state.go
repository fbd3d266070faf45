// Package state owns the authoritative player state and the rules for changing it.
package state

import (
	"encoding/json"
	"slices"

	"github.com/austinkregel/codemd/internal/types"
)

// PlayerState is a point-in-time view of the player.
type PlayerState struct {
	Status   types.PlaybackStatus
	Playlist []types.TrackRef
	// Index is -1 when nothing is selected
	Index    int
	Position float64
	Volume   int
	Loop     types.LoopMode
	// Revision increases by one with every committed change
	Revision uint64
}

type wireState struct {
	Status       types.PlaybackStatus `json:"playback_status"`
	Playlist     []types.TrackRef     `json:"playlist"`
	CurrentIndex *int                 `json:"current_index"`
	Position     float64              `json:"position_seconds"`
	Duration     *float64             `json:"duration_seconds"`
	Volume       int                  `json:"volume_percent"`
	Loop         types.LoopMode       `json:"loop_mode"`
	Revision     uint64               `json:"revision"`
}

// MarshalJSON renders the state with a nullable current_index and duration.
func (s PlayerState) MarshalJSON() ([]byte, error) {
	w := wireState{
		Status:   s.Status,
		Playlist: s.Playlist,
		Position: s.Position,
		Volume:   s.Volume,
		Loop:     s.Loop,
		Revision: s.Revision,
	}
	if w.Playlist == nil {
		w.Playlist = []types.TrackRef{}
	}
	if s.Index >= 0 {
		idx := s.Index
		w.CurrentIndex = &idx
	}
	if d, ok := s.Duration(); ok {
		w.Duration = &d
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *PlayerState) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = PlayerState{
		Status:   w.Status,
		Playlist: w.Playlist,
		Index:    -1,
		Position: w.Position,
		Volume:   w.Volume,
		Loop:     w.Loop,
		Revision: w.Revision,
	}
	if w.CurrentIndex != nil {
		s.Index = *w.CurrentIndex
	}
	return nil
}

// Current returns the selected track.
func (s PlayerState) Current() (types.TrackRef, bool) {
	if s.Index < 0 || s.Index >= len(s.Playlist) {
		return types.TrackRef{}, false
	}
	return s.Playlist[s.Index], true
}

// Duration returns the length of the selected track when it is known.
func (s PlayerState) Duration() (float64, bool) {
	track, ok := s.Current()
	if !ok || !track.HasDuration() {
		return 0, false
	}
	return track.Duration, true
}

// Clone returns a deep copy.
func (s PlayerState) Clone() PlayerState {
	out := s
	out.Playlist = slices.Clone(s.Playlist)
	return out
}

func (s PlayerState) equal(o PlayerState) bool {
	return s.Status == o.Status &&
		s.Index == o.Index &&
		s.Position == o.Position &&
		s.Volume == o.Volume &&
		s.Loop == o.Loop &&
		slices.Equal(s.Playlist, o.Playlist)
}

// clampPosition keeps position inside [0, duration] when the duration is known.
func (s *PlayerState) clampPosition() {
	if s.Position < 0 {
		s.Position = 0
	}
	if d, ok := s.Duration(); ok && s.Position > d {
		s.Position = d
	}
}

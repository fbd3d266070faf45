package state

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/types"
)

// Mutation is a single atomic change applied by Store.Apply.
type Mutation interface {
	apply(st *PlayerState) error
}

// Play starts or resumes the selected track.
type Play struct{}

func (Play) apply(st *PlayerState) error {
	if len(st.Playlist) == 0 {
		return apperr.InvalidState("playlist is empty")
	}
	if st.Index < 0 {
		st.Index = 0
		st.Position = 0
	}
	st.Status = types.StatusPlaying
	return nil
}

// Pause holds playback at the current position.
type Pause struct{}

func (Pause) apply(st *PlayerState) error {
	switch st.Status {
	case types.StatusPlaying:
		st.Status = types.StatusPaused
	case types.StatusStopped:
		return apperr.InvalidState("nothing is playing")
	}
	return nil
}

// Stop ends playback and rewinds to the start of the track.
type Stop struct{}

func (Stop) apply(st *PlayerState) error {
	st.Status = types.StatusStopped
	st.Position = 0
	return nil
}

// SetVolume sets the volume percentage. Out-of-range values are clamped
// unless Strict is set, in which case they are rejected.
type SetVolume struct {
	Value  float64
	Strict bool
}

func (m SetVolume) apply(st *PlayerState) error {
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return apperr.Validation("volume", "must be a finite number")
	}
	// range-check before converting so huge values cannot overflow int
	r := math.Round(m.Value)
	if (r < 0 || r > 100) && m.Strict {
		return apperr.Validation("volume", fmt.Sprintf("%g is outside 0-100", r))
	}
	st.Volume = int(min(max(r, 0), 100))
	return nil
}

// SetPosition seeks within the current track, either to an absolute
// second offset or to a percentage of the track length.
type SetPosition struct {
	Value   float64
	Percent bool
}

func (m SetPosition) apply(st *PlayerState) error {
	if _, ok := st.Current(); !ok {
		return apperr.InvalidState("no track selected")
	}
	d, ok := st.Duration()
	if !ok {
		return apperr.InvalidState("track duration is unknown")
	}
	target := m.Value
	if m.Percent {
		target = m.Value / 100 * d
	}
	st.Position = target
	st.clampPosition()
	return nil
}

// ParsePosition reads a set_position argument: a number of seconds, a
// numeric string, or a string ending in '%'.
func ParsePosition(v any) (SetPosition, error) {
	switch p := v.(type) {
	case float64:
		return SetPosition{Value: p}, nil
	case float32:
		return SetPosition{Value: float64(p)}, nil
	case int:
		return SetPosition{Value: float64(p)}, nil
	case int64:
		return SetPosition{Value: float64(p)}, nil
	case string:
		s := strings.TrimSpace(p)
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return SetPosition{}, apperr.Validation("position", fmt.Sprintf("cannot parse %q as seconds or percentage", p))
		}
		return SetPosition{Value: f, Percent: percent}, nil
	default:
		return SetPosition{}, apperr.Validation("position", "expected a number or a percentage string")
	}
}

// NextTrack advances according to the loop mode.
type NextTrack struct{}

func (NextTrack) apply(st *PlayerState) error {
	n := len(st.Playlist)
	if n == 0 {
		return apperr.InvalidState("playlist is empty")
	}
	st.Position = 0
	if st.Index < 0 {
		st.Index = 0
		return nil
	}
	switch st.Loop {
	case types.LoopTrack:
		// same track from the top
	case types.LoopPlaylist:
		st.Index = (st.Index + 1) % n
	default:
		if st.Index >= n-1 {
			st.Status = types.StatusStopped
			return nil
		}
		st.Index++
	}
	return nil
}

// PreviousTrack steps back according to the loop mode.
type PreviousTrack struct{}

func (PreviousTrack) apply(st *PlayerState) error {
	n := len(st.Playlist)
	if n == 0 {
		return apperr.InvalidState("playlist is empty")
	}
	st.Position = 0
	if st.Index < 0 {
		st.Index = 0
		return nil
	}
	switch st.Loop {
	case types.LoopTrack:
	case types.LoopPlaylist:
		st.Index = (st.Index - 1 + n) % n
	default:
		if st.Index > 0 {
			st.Index--
		}
	}
	return nil
}

// ToggleLoop cycles off -> track -> playlist -> off.
type ToggleLoop struct{}

func (ToggleLoop) apply(st *PlayerState) error {
	st.Loop = st.Loop.Next()
	return nil
}

// SetLoopMode selects a loop mode directly.
type SetLoopMode struct {
	Mode types.LoopMode
}

func (m SetLoopMode) apply(st *PlayerState) error {
	st.Loop = m.Mode
	return nil
}

// LoadPlaylist replaces the playlist, or appends to it when Append is set.
// A replacement selects the first track, rewinds and stops playback.
type LoadPlaylist struct {
	Tracks []types.TrackRef
	Append bool
}

func (m LoadPlaylist) apply(st *PlayerState) error {
	if m.Append {
		st.Playlist = append(st.Playlist, m.Tracks...)
		if st.Index < 0 && len(st.Playlist) > 0 {
			st.Index = 0
			st.Position = 0
		}
		return nil
	}
	st.Playlist = slices.Clone(m.Tracks)
	st.Index = -1
	if len(st.Playlist) > 0 {
		st.Index = 0
	}
	st.Position = 0
	st.Status = types.StatusStopped
	return nil
}

// GetPlaylist reads the playlist without changing anything.
type GetPlaylist struct{}

func (GetPlaylist) apply(*PlayerState) error { return nil }

// ReportDuration records a track length discovered after loading.
type ReportDuration struct {
	Path    string
	Seconds float64
}

func (m ReportDuration) apply(st *PlayerState) error {
	if m.Seconds <= 0 || math.IsInf(m.Seconds, 0) || math.IsNaN(m.Seconds) {
		return apperr.Validation("duration", "must be a positive number of seconds")
	}
	for i := range st.Playlist {
		if st.Playlist[i].Path == m.Path {
			st.Playlist[i].Duration = m.Seconds
		}
	}
	st.clampPosition()
	return nil
}

// Tick handles reaching the end of the current track while playing.
type Tick struct{}

func (Tick) apply(st *PlayerState) error {
	if st.Status != types.StatusPlaying {
		return nil
	}
	d, ok := st.Duration()
	if !ok || st.Position < d {
		return nil
	}
	n := len(st.Playlist)
	st.Position = 0
	switch st.Loop {
	case types.LoopTrack:
	case types.LoopPlaylist:
		st.Index = (st.Index + 1) % n
	default:
		if st.Index >= n-1 {
			st.Status = types.StatusStopped
			return nil
		}
		st.Index++
	}
	return nil
}

// restore reinstates persisted state at startup without starting playback.
type restore struct {
	saved PersistentState
}

func (m restore) apply(st *PlayerState) error {
	st.Playlist = slices.Clone(m.saved.Playlist)
	st.Index = m.saved.Index
	if st.Index >= len(st.Playlist) || st.Index < -1 {
		st.Index = -1
	}
	if st.Index < 0 && len(st.Playlist) > 0 {
		st.Index = 0
	}
	st.Loop = m.saved.Loop
	st.Volume = min(max(m.saved.Volume, 0), 100)
	st.Position = m.saved.Position
	st.Status = types.StatusStopped
	st.clampPosition()
	return nil
}

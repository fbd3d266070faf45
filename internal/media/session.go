// Package media mirrors the player state into the OS media session and
// routes media keys back to the control commands.
package media

import (
	"time"

	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

// Metadata contains track metadata for media session display
type Metadata struct {
	TrackID  int
	Title    string
	Path     string
	Duration time.Duration
}

// LoopStatus is the MPRIS name of a loop mode
type LoopStatus string

const (
	LoopNone     LoopStatus = "None"
	LoopTrack    LoopStatus = "Track"
	LoopPlaylist LoopStatus = "Playlist"
)

// loopStatusOf maps a loop mode onto its MPRIS name
func loopStatusOf(m types.LoopMode) LoopStatus {
	switch m {
	case types.LoopTrack:
		return LoopTrack
	case types.LoopPlaylist:
		return LoopPlaylist
	default:
		return LoopNone
	}
}

// loopModeOf is the inverse of loopStatusOf
func loopModeOf(s LoopStatus) (types.LoopMode, bool) {
	switch s {
	case LoopNone:
		return types.LoopOff, true
	case LoopTrack:
		return types.LoopTrack, true
	case LoopPlaylist:
		return types.LoopPlaylist, true
	}
	return types.LoopOff, false
}

// Snapshot is what a session displays
type Snapshot struct {
	Status   types.PlaybackStatus
	Position time.Duration
	Volume   float64
	Loop     LoopStatus
	Track    *Metadata
}

// SnapshotOf reduces a player state to the fields a session shows
func SnapshotOf(st state.PlayerState) Snapshot {
	snap := Snapshot{
		Status:   st.Status,
		Position: seconds(st.Position),
		Volume:   float64(st.Volume) / 100,
		Loop:     loopStatusOf(st.Loop),
	}
	if track, ok := st.Current(); ok {
		snap.Track = &Metadata{
			TrackID:  st.Index,
			Title:    track.DisplayName,
			Path:     track.Path,
			Duration: seconds(track.Duration),
		}
	}
	return snap
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Session is the interface for OS media session integration
type Session interface {
	// Update publishes a new snapshot
	Update(snap Snapshot) error

	// SetCommandHandler sets the handler for media commands (play, pause, etc.)
	SetCommandHandler(handler CommandHandler)

	// Close releases resources
	Close() error
}

// Command represents a media command from the OS
type Command int

const (
	CmdPlay Command = iota
	CmdPause
	CmdPlayPause
	CmdStop
	CmdNext
	CmdPrevious
	CmdSeek
	CmdSetLoopStatus
	CmdSetVolume
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdPlay:
		return "Play"
	case CmdPause:
		return "Pause"
	case CmdPlayPause:
		return "PlayPause"
	case CmdStop:
		return "Stop"
	case CmdNext:
		return "Next"
	case CmdPrevious:
		return "Previous"
	case CmdSeek:
		return "Seek"
	case CmdSetLoopStatus:
		return "SetLoopStatus"
	case CmdSetVolume:
		return "SetVolume"
	default:
		return "Unknown"
	}
}

// CommandHandler handles media commands from the OS. data carries the
// target position for CmdSeek, the LoopStatus for CmdSetLoopStatus and the
// 0..1 volume for CmdSetVolume.
type CommandHandler interface {
	OnCommand(cmd Command, data any) error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc func(cmd Command, data any) error

func (f CommandHandlerFunc) OnCommand(cmd Command, data any) error {
	return f(cmd, data)
}

// NoOpSession is used when no media session is available
type NoOpSession struct{}

// NewNoOpSession creates a new no-op session
func NewNoOpSession() *NoOpSession {
	return &NoOpSession{}
}

func (s *NoOpSession) Update(Snapshot) error { return nil }

func (s *NoOpSession) SetCommandHandler(CommandHandler) {}

func (s *NoOpSession) Close() error { return nil }

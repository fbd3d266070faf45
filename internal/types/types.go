// Package types provides shared type definitions used across the codemd daemon.
package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// TrackRef identifies a playable item in the playlist
type TrackRef struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
	// Duration in seconds; zero means unknown
	Duration float64 `json:"duration_seconds,omitempty"`
}

// NewTrackRef builds a TrackRef whose display name is derived from the path
func NewTrackRef(path string) TrackRef {
	return TrackRef{Path: path, DisplayName: DisplayNameFor(path)}
}

// DisplayNameFor returns a human-readable name for a path or URL
func DisplayNameFor(path string) string {
	if IsRemote(path) {
		return path
	}
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// IsRemote reports whether path is an http(s) URL rather than a local file
func IsRemote(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// HasDuration reports whether the track length is known
func (t TrackRef) HasDuration() bool {
	return t.Duration > 0
}

// LoopMode represents the repeat behavior
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopPlaylist
)

// String returns the wire form of the loop mode
func (l LoopMode) String() string {
	switch l {
	case LoopTrack:
		return "track"
	case LoopPlaylist:
		return "playlist"
	default:
		return "off"
	}
}

// Next returns the mode toggle_loop moves to: off -> track -> playlist -> off
func (l LoopMode) Next() LoopMode {
	switch l {
	case LoopOff:
		return LoopTrack
	case LoopTrack:
		return LoopPlaylist
	default:
		return LoopOff
	}
}

// MarshalText implements encoding.TextMarshaler
func (l LoopMode) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *LoopMode) UnmarshalText(text []byte) error {
	mode, err := ParseLoopMode(string(text))
	if err != nil {
		return err
	}
	*l = mode
	return nil
}

// ParseLoopMode parses a string into a LoopMode. The older
// none/one/all spellings are accepted as well.
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "":
		return LoopOff, nil
	case "track", "one":
		return LoopTrack, nil
	case "playlist", "all":
		return LoopPlaylist, nil
	default:
		return LoopOff, fmt.Errorf("unknown loop mode %q", s)
	}
}

// PlaybackStatus is the transport state of the player
type PlaybackStatus int

const (
	StatusStopped PlaybackStatus = iota
	StatusPlaying
	StatusPaused
)

// String returns the wire form of the playback status
func (p PlaybackStatus) String() string {
	switch p {
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p PlaybackStatus) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *PlaybackStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "stopped", "":
		*p = StatusStopped
	case "playing":
		*p = StatusPlaying
	case "paused":
		*p = StatusPaused
	default:
		return fmt.Errorf("unknown playback status %q", string(text))
	}
	return nil
}

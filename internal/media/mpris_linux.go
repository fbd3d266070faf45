//go:build linux

package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/austinkregel/codemd/internal/types"
)

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	propertiesInterface  = "org.freedesktop.DBus.Properties"
	mprisBusName         = "org.mpris.MediaPlayer2.codemd"
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	identity             = "codemd"
)

// seekSlack is how far the reported position may drift from the
// extrapolated one before clients are told about a seek
const seekSlack = time.Second

// MPRISSession implements MPRIS media session for Linux
type MPRISSession struct {
	conn *dbus.Conn

	mu        sync.Mutex
	handler   CommandHandler
	snap      Snapshot
	updatedAt time.Time
}

// NewSession connects to the session bus and claims the codemd MPRIS name
func NewSession() (Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(mprisBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", mprisBusName)
	}

	s := &MPRISSession{
		conn:      conn,
		snap:      Snapshot{Status: types.StatusStopped, Loop: LoopNone, Volume: 1},
		updatedAt: time.Now(),
	}
	for _, iface := range []string{mprisInterface, mprisPlayerInterface, propertiesInterface} {
		if err := conn.Export(s, dbus.ObjectPath(mprisObjectPath), iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to export %s: %w", iface, err)
		}
	}
	return s, nil
}

// Update emits PropertiesChanged for whatever differs from the last
// snapshot, and Seeked when the position jumped.
func (s *MPRISSession) Update(snap Snapshot) error {
	s.mu.Lock()
	prev := s.snap
	expected := prev.Position
	if prev.Status == types.StatusPlaying {
		expected += time.Since(s.updatedAt)
	}
	s.snap = snap
	s.updatedAt = time.Now()
	s.mu.Unlock()

	changed := map[string]dbus.Variant{}
	if snap.Status != prev.Status {
		changed["PlaybackStatus"] = dbus.MakeVariant(playbackStatus(snap.Status))
	}
	if snap.Loop != prev.Loop {
		changed["LoopStatus"] = dbus.MakeVariant(string(snap.Loop))
	}
	if snap.Volume != prev.Volume {
		changed["Volume"] = dbus.MakeVariant(snap.Volume)
	}
	if !sameTrack(prev.Track, snap.Track) {
		changed["Metadata"] = dbus.MakeVariant(metadataMap(snap.Track))
		changed["CanSeek"] = dbus.MakeVariant(canSeek(snap))
	}
	if len(changed) > 0 {
		if err := s.emitPropertiesChanged(mprisPlayerInterface, changed); err != nil {
			return err
		}
	}

	drift := snap.Position - expected
	if drift < 0 {
		drift = -drift
	}
	if drift > seekSlack || (snap.Status == types.StatusPlaying && prev.Status != types.StatusPlaying) {
		return s.conn.Emit(dbus.ObjectPath(mprisObjectPath), mprisPlayerInterface+".Seeked", snap.Position.Microseconds())
	}
	return nil
}

func sameTrack(a, b *Metadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func canSeek(snap Snapshot) bool {
	return snap.Track != nil && snap.Track.Duration > 0
}

// SetCommandHandler sets the handler for media commands
func (s *MPRISSession) SetCommandHandler(handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Close releases the bus connection
func (s *MPRISSession) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *MPRISSession) send(cmd Command, data any) *dbus.Error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.OnCommand(cmd, data); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (s *MPRISSession) current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if snap.Status == types.StatusPlaying {
		snap.Position += time.Since(s.updatedAt)
		if snap.Track != nil && snap.Track.Duration > 0 && snap.Position > snap.Track.Duration {
			snap.Position = snap.Track.Duration
		}
	}
	return snap
}

// org.mpris.MediaPlayer2

func (s *MPRISSession) Raise() *dbus.Error { return nil }

func (s *MPRISSession) Quit() *dbus.Error { return nil }

// org.mpris.MediaPlayer2.Player

func (s *MPRISSession) Play() *dbus.Error { return s.send(CmdPlay, nil) }

func (s *MPRISSession) Pause() *dbus.Error { return s.send(CmdPause, nil) }

func (s *MPRISSession) PlayPause() *dbus.Error { return s.send(CmdPlayPause, nil) }

func (s *MPRISSession) Stop() *dbus.Error { return s.send(CmdStop, nil) }

func (s *MPRISSession) Next() *dbus.Error { return s.send(CmdNext, nil) }

func (s *MPRISSession) Previous() *dbus.Error { return s.send(CmdPrevious, nil) }

// Seek moves by offset microseconds relative to the current position
func (s *MPRISSession) Seek(offset int64) *dbus.Error {
	target := s.current().Position + time.Duration(offset)*time.Microsecond
	return s.send(CmdSeek, max(target, 0))
}

// SetPosition is ignored unless trackID names the current track
func (s *MPRISSession) SetPosition(trackID dbus.ObjectPath, position int64) *dbus.Error {
	snap := s.current()
	if snap.Track == nil || trackID != trackPath(snap.Track.TrackID) || position < 0 {
		return nil
	}
	return s.send(CmdSeek, time.Duration(position)*time.Microsecond)
}

// org.freedesktop.DBus.Properties

func (s *MPRISSession) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, err := s.GetAll(iface)
	if err != nil {
		return dbus.Variant{}, err
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property: %s", prop))
	}
	return v, nil
}

func (s *MPRISSession) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return map[string]dbus.Variant{
			"CanQuit":             dbus.MakeVariant(false),
			"CanRaise":            dbus.MakeVariant(false),
			"HasTrackList":        dbus.MakeVariant(false),
			"Identity":            dbus.MakeVariant(identity),
			"DesktopEntry":        dbus.MakeVariant(identity),
			"SupportedUriSchemes": dbus.MakeVariant([]string{"file", "http", "https"}),
			"SupportedMimeTypes":  dbus.MakeVariant([]string{"audio/mpeg", "audio/flac", "audio/ogg", "audio/x-m4a"}),
		}, nil
	case mprisPlayerInterface:
		snap := s.current()
		return map[string]dbus.Variant{
			"PlaybackStatus": dbus.MakeVariant(playbackStatus(snap.Status)),
			"LoopStatus":     dbus.MakeVariant(string(snap.Loop)),
			"Metadata":       dbus.MakeVariant(metadataMap(snap.Track)),
			"Position":       dbus.MakeVariant(snap.Position.Microseconds()),
			"Volume":         dbus.MakeVariant(snap.Volume),
			"Shuffle":        dbus.MakeVariant(false),
			"Rate":           dbus.MakeVariant(1.0),
			"MinimumRate":    dbus.MakeVariant(1.0),
			"MaximumRate":    dbus.MakeVariant(1.0),
			"CanGoNext":      dbus.MakeVariant(snap.Track != nil),
			"CanGoPrevious":  dbus.MakeVariant(snap.Track != nil),
			"CanPlay":        dbus.MakeVariant(snap.Track != nil),
			"CanPause":       dbus.MakeVariant(snap.Track != nil),
			"CanSeek":        dbus.MakeVariant(canSeek(snap)),
			"CanControl":     dbus.MakeVariant(true),
		}, nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
}

func (s *MPRISSession) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != mprisPlayerInterface {
		return nil
	}
	switch prop {
	case "LoopStatus":
		status, ok := value.Value().(string)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("invalid type for LoopStatus"))
		}
		return s.send(CmdSetLoopStatus, LoopStatus(status))
	case "Volume":
		volume, ok := value.Value().(float64)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("invalid type for Volume"))
		}
		return s.send(CmdSetVolume, volume)
	}
	return nil
}

func playbackStatus(st types.PlaybackStatus) string {
	switch st {
	case types.StatusPlaying:
		return "Playing"
	case types.StatusPaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

func trackPath(id int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/codemd/track/%d", id))
}

func metadataMap(track *Metadata) map[string]dbus.Variant {
	m := map[string]dbus.Variant{}
	if track == nil {
		m["mpris:trackid"] = dbus.MakeVariant(dbus.ObjectPath("/org/mpris/MediaPlayer2/TrackList/NoTrack"))
		return m
	}
	m["mpris:trackid"] = dbus.MakeVariant(trackPath(track.TrackID))
	if track.Title != "" {
		m["xesam:title"] = dbus.MakeVariant(track.Title)
	}
	if track.Path != "" {
		url := track.Path
		if !types.IsRemote(url) {
			url = "file://" + url
		}
		m["xesam:url"] = dbus.MakeVariant(url)
	}
	if track.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(track.Duration.Microseconds())
	}
	return m
}

func (s *MPRISSession) emitPropertiesChanged(iface string, props map[string]dbus.Variant) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		propertiesInterface+".PropertiesChanged",
		iface,
		props,
		[]string{},
	)
}

package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

type fakeSession struct {
	mu      sync.Mutex
	handler CommandHandler
	updates []Snapshot
}

func (f *fakeSession) Update(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, snap)
	return nil
}

func (f *fakeSession) SetCommandHandler(h CommandHandler) { f.handler = h }

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) last() (Snapshot, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return Snapshot{}, 0
	}
	return f.updates[len(f.updates)-1], len(f.updates)
}

type call struct {
	name string
	args map[string]any
}

type fakeDispatcher struct {
	calls []call
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name string, args map[string]any) (any, error) {
	f.calls = append(f.calls, call{name, args})
	return nil, f.err
}

func playing() state.PlayerState {
	return state.PlayerState{
		Status:   types.StatusPlaying,
		Playlist: []types.TrackRef{{Path: "/music/a.mp3", DisplayName: "a", Duration: 90}},
		Index:    0,
		Position: 12.5,
		Volume:   40,
		Loop:     types.LoopPlaylist,
	}
}

func TestSnapshotOf(t *testing.T) {
	snap := SnapshotOf(playing())
	assert.Equal(t, types.StatusPlaying, snap.Status)
	assert.Equal(t, 12500*time.Millisecond, snap.Position)
	assert.Equal(t, 0.4, snap.Volume)
	assert.Equal(t, LoopPlaylist, snap.Loop)
	require.NotNil(t, snap.Track)
	assert.Equal(t, "a", snap.Track.Title)
	assert.Equal(t, 90*time.Second, snap.Track.Duration)

	empty := SnapshotOf(state.PlayerState{Index: -1})
	assert.Nil(t, empty.Track)
	assert.Equal(t, LoopNone, empty.Loop)
}

func TestBridgeMirrorsPlaybackEvents(t *testing.T) {
	session := &fakeSession{}
	b := NewBridge(session, &fakeDispatcher{})
	require.NotNil(t, session.handler)

	notifier := events.NewNotifier(8)
	defer notifier.Close()
	sub := notifier.Subscribe(events.PlaybackChanged)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, sub, state.PlayerState{Index: -1})
		close(done)
	}()

	require.Eventually(t, func() bool { _, n := session.last(); return n == 1 }, time.Second, 5*time.Millisecond)

	st := playing()
	st.Revision = 1
	notifier.Publish(events.Playback(st))
	require.Eventually(t, func() bool { _, n := session.last(); return n == 2 }, time.Second, 5*time.Millisecond)
	snap, _ := session.last()
	assert.Equal(t, types.StatusPlaying, snap.Status)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridgeRoutesCommands(t *testing.T) {
	session := &fakeSession{}
	disp := &fakeDispatcher{}
	b := NewBridge(session, disp)

	require.NoError(t, b.OnCommand(CmdPlayPause, nil))
	b.show(playing())
	require.NoError(t, b.OnCommand(CmdPlayPause, nil))
	require.NoError(t, b.OnCommand(CmdSeek, 30*time.Second))
	require.NoError(t, b.OnCommand(CmdSetLoopStatus, LoopTrack))
	require.NoError(t, b.OnCommand(CmdSetVolume, 0.25))
	require.NoError(t, b.OnCommand(CmdPrevious, nil))

	assert.Equal(t, []call{
		{"play", nil},
		{"pause", nil},
		{"set_position", map[string]any{"position": 30.0}},
		{"set_loop_mode", map[string]any{"mode": "track"}},
		{"set_volume", map[string]any{"volume": 25.0}},
		{"prev_track", nil},
	}, disp.calls)

	assert.Error(t, b.OnCommand(CmdSeek, "later"))
	assert.Error(t, b.OnCommand(CmdSetLoopStatus, LoopStatus("Shuffle")))

	disp.err = errors.New("nothing is playing")
	assert.EqualError(t, b.OnCommand(CmdPause, nil), "nothing is playing")
}

func TestLoopStatusRoundTrip(t *testing.T) {
	for _, m := range []types.LoopMode{types.LoopOff, types.LoopTrack, types.LoopPlaylist} {
		got, ok := loopModeOf(loopStatusOf(m))
		assert.True(t, ok)
		assert.Equal(t, m, got)
	}
}

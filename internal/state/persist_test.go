package state

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/types"
)

func TestPersisterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	mustApply(t, s, LoadPlaylist{Tracks: tracks(100, 200, 300)})
	mustApply(t, s, NextTrack{})
	mustApply(t, s, SetLoopMode{Mode: types.LoopPlaylist})
	mustApply(t, s, SetVolume{Value: 35})
	mustApply(t, s, Play{})

	p := NewPersister(dir)
	require.NoError(t, p.Save(s.Snapshot()))

	restored := NewStore()
	require.NoError(t, NewPersister(dir).Restore(restored))
	st := restored.Snapshot()

	assert.Len(t, st.Playlist, 3)
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, types.LoopPlaylist, st.Loop)
	assert.Equal(t, 35, st.Volume)
	assert.Equal(t, types.StatusStopped, st.Status, "restore never resumes playback")
}

func TestPersisterMissingFile(t *testing.T) {
	p := NewPersister(t.TempDir())
	saved, err := p.Load()
	require.NoError(t, err)
	assert.Nil(t, saved)

	s := NewStore()
	require.NoError(t, p.Restore(s))
	assert.Equal(t, uint64(0), s.Snapshot().Revision)
}

func TestPersisterCorruptFile(t *testing.T) {
	p := NewPersister(t.TempDir())
	require.NoError(t, os.WriteFile(p.GetFilePath(), []byte("{not json"), 0600))
	_, err := p.Load()
	assert.Error(t, err)
}

func TestPersisterSkipsStaleSnapshots(t *testing.T) {
	p := NewPersister(t.TempDir())

	newer := PlayerState{Index: -1, Volume: 80, Revision: 5}
	older := PlayerState{Index: -1, Volume: 10, Revision: 4}
	require.NoError(t, p.Save(newer))
	require.NoError(t, p.Save(older))

	saved, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, 80, saved.Volume)
}

func TestRestoreRepairsBadIndex(t *testing.T) {
	dir := t.TempDir()
	p := NewPersister(dir)
	require.NoError(t, p.Save(PlayerState{Playlist: tracks(10, 20), Index: 9, Volume: 500, Revision: 1}))

	s := NewStore()
	require.NoError(t, p.Restore(s))
	st := s.Snapshot()
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, 100, st.Volume)
}

func TestCheckpointRecordsClockPosition(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(WithClock(clock.Now))
	p := NewPersister(t.TempDir())
	s.OnChange(func(st PlayerState) { require.NoError(t, p.Save(st)) })

	mustApply(t, s, LoadPlaylist{Tracks: tracks(300)})
	mustApply(t, s, Play{})

	clock.Advance(2 * time.Second)
	saved, err := p.Checkpoint(s.Snapshot())
	require.NoError(t, err)
	assert.False(t, saved, "drift below threshold")

	clock.Advance(40 * time.Second)
	revision := s.Snapshot().Revision
	saved, err = p.Checkpoint(s.Snapshot())
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, revision, s.Snapshot().Revision, "ticking never bumps the revision")

	loaded, err := p.Load()
	require.NoError(t, err)
	assert.InDelta(t, 42.0, loaded.Position, 0.001)

	mustApply(t, s, Pause{})
	clock.Advance(time.Minute)
	saved, err = p.Checkpoint(s.Snapshot())
	require.NoError(t, err)
	assert.False(t, saved, "paused state is saved by change callbacks")
}

func TestSaveSameRevisionUpdatesPosition(t *testing.T) {
	p := NewPersister(t.TempDir())
	require.NoError(t, p.Save(PlayerState{Playlist: tracks(300), Index: 0, Position: 10, Revision: 3}))
	require.NoError(t, p.Save(PlayerState{Playlist: tracks(300), Index: 0, Position: 95, Revision: 3}))

	loaded, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, 95.0, loaded.Position)
}

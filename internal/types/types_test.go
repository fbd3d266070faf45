package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopModeCycle(t *testing.T) {
	mode := LoopOff
	var seen []string
	for i := 0; i < 4; i++ {
		mode = mode.Next()
		seen = append(seen, mode.String())
	}
	assert.Equal(t, []string{"track", "playlist", "off", "track"}, seen)
}

func TestParseLoopMode(t *testing.T) {
	tests := []struct {
		in   string
		want LoopMode
	}{
		{"off", LoopOff},
		{"none", LoopOff},
		{"TRACK", LoopTrack},
		{"one", LoopTrack},
		{"playlist", LoopPlaylist},
		{"all", LoopPlaylist},
	}
	for _, tt := range tests {
		got, err := ParseLoopMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLoopMode("shuffle")
	assert.Error(t, err)
}

func TestEnumsEncodeAsStrings(t *testing.T) {
	data, err := json.Marshal(struct {
		Status PlaybackStatus `json:"status"`
		Loop   LoopMode       `json:"loop"`
	}{StatusPaused, LoopPlaylist})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"paused","loop":"playlist"}`, string(data))
}

func TestDisplayNameFor(t *testing.T) {
	assert.Equal(t, "song", DisplayNameFor("/music/album/song.mp3"))
	assert.Equal(t, ".hidden", DisplayNameFor("/music/.hidden"))
	assert.Equal(t, "https://example.com/a.mp3", DisplayNameFor("https://example.com/a.mp3"))
	assert.True(t, IsRemote("HTTPS://example.com"))
	assert.False(t, IsRemote("/tmp/x.mp3"))
}

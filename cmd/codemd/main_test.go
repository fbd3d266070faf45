package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/client"
	"github.com/austinkregel/codemd/internal/config"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	for _, flag := range []string{"config-dir", "listen", "log-level", "max-jobs"} {
		assert.NotNil(t, serve.Flags().Lookup(flag), flag)
	}

	for _, verb := range []string{"play", "pause", "stop", "next", "prev", "volume", "seek", "loop",
		"load", "playlist", "status", "download", "convert", "jobs", "job", "cancel", "ack", "wait", "events"} {
		cmd, _, err := root.Find([]string{"ctl", verb})
		require.NoError(t, err, verb)
		assert.Equal(t, verb, cmd.Name())
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := &serveOptions{listen: "127.0.0.1:7000", logLevel: "debug", maxJobs: 5}
	require.NoError(t, opts.applyOverrides(cfg))
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Jobs.MaxConcurrent)

	cfg = config.DefaultConfig()
	assert.Error(t, (&serveOptions{maxJobs: -1}).applyOverrides(cfg))
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "00:00", formatSeconds(0))
	assert.Equal(t, "01:05", formatSeconds(65.4))
	assert.Equal(t, "61:40", formatSeconds(3700))
}

func TestPrintState(t *testing.T) {
	st := state.PlayerState{
		Status:   types.StatusPlaying,
		Playlist: []types.TrackRef{{Path: "/m/a.mp3", DisplayName: "a", Duration: 180}},
		Index:    0,
		Position: 30,
		Volume:   70,
		Loop:     types.LoopTrack,
	}
	var buf bytes.Buffer
	printState(&buf, st)
	out := buf.String()
	assert.Contains(t, out, "playing")
	assert.Contains(t, out, "1/1 a")
	assert.Contains(t, out, "00:30 / 03:00")
	assert.Contains(t, out, "vol 70")
	assert.Contains(t, out, "loop track")
}

func TestRenderJobs(t *testing.T) {
	var buf bytes.Buffer
	renderJobs(&buf, []jobs.Job{
		{ID: "job-1", Kind: jobs.KindDownload, Status: jobs.StatusRunning, Progress: 42, CreatedAt: time.Now()},
		{ID: "job-2", Kind: jobs.KindConvert, Status: jobs.StatusFailed, Error: "cwebp exited with status 1"},
		{ID: "job-3", Kind: jobs.KindConvert, Status: jobs.StatusSucceeded, Result: &jobs.Result{Outputs: []string{"a.jpg", "b.jpg"}}},
	})
	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "42%")
	assert.Contains(t, out, "cwebp exited with status 1")
	assert.Contains(t, out, "2 files")
}

func TestRenderPlaylistMarksCurrent(t *testing.T) {
	idx := 1
	var buf bytes.Buffer
	renderPlaylist(&buf, client.Playlist{
		Tracks: []types.TrackRef{
			{Path: "/m/a.mp3", DisplayName: "a"},
			{Path: "/m/b.mp3", DisplayName: "b", Duration: 61},
		},
		CurrentIndex: &idx,
	})
	out := buf.String()
	assert.Contains(t, out, ">")
	assert.Contains(t, out, "01:01")

	buf.Reset()
	renderPlaylist(&buf, client.Playlist{})
	assert.Equal(t, "Playlist is empty\n", buf.String())
}

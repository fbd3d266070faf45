package client

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/dispatch"
	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/ipc"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/library"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

// startDaemon runs the control stack in-process with a fake download runner
func startDaemon(t *testing.T, download jobs.RunnerFunc) (string, *state.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	notifier := events.NewNotifier(32)
	store := state.NewStore()
	store.OnChange(func(st state.PlayerState) { notifier.Publish(events.Playback(st)) })

	orch := jobs.New(jobs.Config{MaxConcurrent: 2}, notifier)
	orch.Register(jobs.KindDownload, download)
	orch.Start(ctx)

	d, err := dispatch.New(store, orch, library.NewResolver(nil), dispatch.WithBackground(ctx))
	require.NoError(t, err)

	srv := ipc.NewServer("127.0.0.1:0", d, notifier)
	require.NoError(t, srv.Listen())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = orch.Shutdown(shutdownCtx)
		notifier.Close()
	})
	return srv.Addr().String(), store
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func noDownloads(context.Context, jobs.Job, jobs.ProgressFunc) (jobs.Result, error) {
	return jobs.Result{}, nil
}

func TestPlaybackRoundTrip(t *testing.T) {
	addr, _ := startDaemon(t, noDownloads)
	c := dial(t, addr)
	ctx := context.Background()

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.mp3", "b.mp3"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		paths = append(paths, p)
	}

	st, err := c.LoadPlaylist(ctx, paths, false)
	require.NoError(t, err)
	assert.Len(t, st.Playlist, 2)
	assert.Equal(t, 0, st.Index)

	st, err = c.Play(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPlaying, st.Status)

	st, err = c.NextTrack(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Index)

	st, err = c.PreviousTrack(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Index)

	st, err = c.SetVolume(ctx, 35)
	require.NoError(t, err)
	assert.Equal(t, 35, st.Volume)

	st, err = c.SetLoopMode(ctx, types.LoopPlaylist)
	require.NoError(t, err)
	assert.Equal(t, types.LoopPlaylist, st.Loop)

	st, err = c.ToggleLoop(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.LoopOff, st.Loop)

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsPlaying())
	assert.False(t, status.IsPaused())
	assert.Equal(t, "a", status.CurrentTrack)
	assert.Empty(t, status.Jobs)

	playlist, err := c.GetPlaylist(ctx)
	require.NoError(t, err)
	require.NotNil(t, playlist.CurrentIndex)
	assert.Equal(t, 0, *playlist.CurrentIndex)
	assert.Len(t, playlist.Tracks, 2)

	st, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, st.Status)
}

func TestErrorsKeepCodeAndField(t *testing.T) {
	addr, _ := startDaemon(t, noDownloads)
	c := dial(t, addr)
	ctx := context.Background()

	_, err := c.Pause(ctx)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState), "got %v", err)

	_, err = c.SetPosition(ctx, "half")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState) || apperr.Is(err, apperr.CodeValidation), "got %v", err)

	_, err = c.LoadPlaylist(ctx, []string{"/definitely/not/here.mp3"}, false)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeValidation, e.Code)
	assert.Equal(t, "paths[0]", e.Details["field"])

	err = c.Call(ctx, "dance", nil, nil)
	assert.True(t, apperr.Is(err, apperr.CodeUnknownCommand))

	// the connection survives error responses
	_, err = c.GetStatus(ctx)
	assert.NoError(t, err)
}

func TestSetVolumeRejectedLocally(t *testing.T) {
	addr, store := startDaemon(t, noDownloads)
	c := dial(t, addr)

	_, err := c.SetVolume(context.Background(), 101)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Equal(t, 100, store.Snapshot().Volume)
}

func TestPlayURLAndWaitForJob(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp3")
	addr, store := startDaemon(t, func(_ context.Context, _ jobs.Job, report jobs.ProgressFunc) (jobs.Result, error) {
		report(50)
		return jobs.Result{Outputs: []string{out}}, nil
	})
	c := dial(t, addr)
	ctx := context.Background()

	sub, err := c.PlayURL(ctx, "https://example.com/watch?v=abc", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sub.JobID)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := c.WaitForJob(waitCtx, sub.JobID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, job.Status)

	require.Eventually(t, func() bool {
		return store.Snapshot().Status == types.StatusPlaying
	}, 5*time.Second, 5*time.Millisecond)

	cancelled, err := c.CancelJob(ctx, sub.JobID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	all, err := c.ListJobs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, c.AckJob(ctx, sub.JobID))
	_, err = c.JobStatus(ctx, sub.JobID)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestSubscribeReceivesEventsBetweenResponses(t *testing.T) {
	addr, _ := startDaemon(t, noDownloads)
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, string(events.PlaybackChanged)))
	_, err := c.SetVolume(ctx, 20)
	require.NoError(t, err)

	select {
	case e := <-c.Events():
		assert.Equal(t, string(events.PlaybackChanged), e.Kind)
		var st state.PlayerState
		require.NoError(t, json.Unmarshal(e.Payload, &st))
		assert.Equal(t, 20, st.Volume)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, c.Unsubscribe(ctx))
}

func TestCallTimeoutClosesClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// never answers
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetStatus(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.GetStatus(context.Background())
	assert.Error(t, err)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr)
	assert.ErrorContains(t, err, "make sure the daemon is running")
}

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/jobs"
)

func TestFormat(t *testing.T) {
	title, msg, ok := Format(jobs.Job{
		Kind:   jobs.KindDownload,
		Status: jobs.StatusSucceeded,
		Params: jobs.DownloadParams{URL: "https://example.com/a.mp3"},
		Result: &jobs.Result{Outputs: []string{"/music/a.mp3"}},
	})
	require.True(t, ok)
	assert.Equal(t, "Download finished", title)
	assert.Equal(t, "a.mp3", msg)

	title, msg, ok = Format(jobs.Job{
		Kind:   jobs.KindConvert,
		Status: jobs.StatusFailed,
		Params: jobs.ConvertParams{Paths: []string{"/a.png", "/b.png"}},
		Error:  "cwebp is not installed or not in PATH",
	})
	require.True(t, ok)
	assert.Equal(t, "Conversion failed", title)
	assert.Equal(t, "2 files: cwebp is not installed or not in PATH", msg)

	_, msg, _ = Format(jobs.Job{
		Kind:   jobs.KindConvert,
		Status: jobs.StatusSucceeded,
		Result: &jobs.Result{Outputs: []string{"1.jpg", "2.jpg", "3.jpg"}},
	})
	assert.Equal(t, "3 files written", msg)

	_, _, ok = Format(jobs.Job{Kind: jobs.KindDownload, Status: jobs.StatusCancelled})
	assert.False(t, ok)
}

func TestRunSendsForCompletedJobs(t *testing.T) {
	var mu sync.Mutex
	var titles []string
	n := New(func(title, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		titles = append(titles, title)
		return nil
	})

	notifier := events.NewNotifier(8)
	defer notifier.Close()
	sub := notifier.Subscribe(events.JobCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx, sub)

	notifier.Publish(events.Event{Kind: events.JobCompleted, Key: "a", At: time.Now(), Payload: jobs.Job{
		ID: "a", Kind: jobs.KindDownload, Status: jobs.StatusCancelled,
	}})
	notifier.Publish(events.Event{Kind: events.JobCompleted, Key: "b", At: time.Now(), Payload: jobs.Job{
		ID: "b", Kind: jobs.KindDownload, Status: jobs.StatusFailed, Error: "404 Not Found",
	}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(titles) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Download failed"}, titles)
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

// DefaultConvertMode is used by ConvertFiles when no mode is given
const DefaultConvertMode = "PNG to JPG"

// Submission acknowledges a queued job
type Submission struct {
	JobID        string      `json:"job_id"`
	Status       jobs.Status `json:"status"`
	QueuedBehind int         `json:"queued_behind"`
	// Notice is set when every worker was busy at submission
	Notice string `json:"notice,omitempty"`
}

// Playlist is the get_playlist result
type Playlist struct {
	Tracks       []types.TrackRef `json:"playlist"`
	CurrentIndex *int             `json:"current_index"`
}

// Status is the get_status result
type Status struct {
	Player state.PlayerState
	Jobs   []jobs.Job
	// CurrentTrack is the display name of the selected track
	CurrentTrack string
}

// UnmarshalJSON splits the flat get_status object
func (s *Status) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &s.Player); err != nil {
		return err
	}
	var extra struct {
		Jobs         []jobs.Job `json:"jobs"`
		CurrentTrack *string    `json:"current_track"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	s.Jobs = extra.Jobs
	s.CurrentTrack = ""
	if extra.CurrentTrack != nil {
		s.CurrentTrack = *extra.CurrentTrack
	}
	return nil
}

// IsPlaying reports whether playback is running
func (s Status) IsPlaying() bool { return s.Player.Status == types.StatusPlaying }

// IsPaused reports whether playback is paused
func (s Status) IsPaused() bool { return s.Player.Status == types.StatusPaused }

func (c *Client) mutate(ctx context.Context, command string, args map[string]any) (state.PlayerState, error) {
	var st state.PlayerState
	err := c.Call(ctx, command, args, &st)
	return st, err
}

// Play starts or resumes playback
func (c *Client) Play(ctx context.Context) (state.PlayerState, error) {
	return c.mutate(ctx, "play", nil)
}

// Pause pauses playback
func (c *Client) Pause(ctx context.Context) (state.PlayerState, error) {
	return c.mutate(ctx, "pause", nil)
}

// Stop stops playback and rewinds
func (c *Client) Stop(ctx context.Context) (state.PlayerState, error) {
	return c.mutate(ctx, "stop", nil)
}

// NextTrack advances per the loop mode
func (c *Client) NextTrack(ctx context.Context) (state.PlayerState, error) {
	return c.mutate(ctx, "next", nil)
}

// PreviousTrack steps back per the loop mode
func (c *Client) PreviousTrack(ctx context.Context) (state.PlayerState, error) {
	return c.mutate(ctx, "prev", nil)
}

// SetVolume sets the volume. Values outside 0-100 are refused without a
// round trip.
func (c *Client) SetVolume(ctx context.Context, volume int) (state.PlayerState, error) {
	if volume < 0 || volume > 100 {
		return state.PlayerState{}, apperr.Validation("volume", "must be between 0 and 100")
	}
	return c.mutate(ctx, "set_volume", map[string]any{"volume": volume})
}

// SetPosition seeks to a number of seconds or a percentage string like "50%"
func (c *Client) SetPosition(ctx context.Context, position any) (state.PlayerState, error) {
	return c.mutate(ctx, "set_position", map[string]any{"position": position})
}

// ToggleLoop cycles off, track, playlist
func (c *Client) ToggleLoop(ctx context.Context) (state.PlayerState, error) {
	return c.mutate(ctx, "toggle_loop", nil)
}

// SetLoopMode selects a loop mode directly
func (c *Client) SetLoopMode(ctx context.Context, mode types.LoopMode) (state.PlayerState, error) {
	return c.mutate(ctx, "set_loop_mode", map[string]any{"mode": mode.String()})
}

// LoadPlaylist replaces the playlist, or appends to it. With no paths the
// daemon loads its configured library.
func (c *Client) LoadPlaylist(ctx context.Context, paths []string, appendTracks bool) (state.PlayerState, error) {
	args := map[string]any{}
	if len(paths) > 0 {
		args["paths"] = paths
	}
	if appendTracks {
		args["append"] = true
	}
	return c.mutate(ctx, "load_playlist", args)
}

// GetPlaylist returns the playlist and the selected index
func (c *Client) GetPlaylist(ctx context.Context) (Playlist, error) {
	var p Playlist
	err := c.Call(ctx, "get_playlist", nil, &p)
	return p, err
}

// GetStatus returns the player state and active jobs
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var s Status
	err := c.Call(ctx, "get_status", nil, &s)
	return s, err
}

func (c *Client) submit(ctx context.Context, command string, args map[string]any) (Submission, error) {
	var sub Submission
	err := c.Call(ctx, command, args, &sub)
	return sub, err
}

// Download queues a download job
func (c *Client) Download(ctx context.Context, url string, options map[string]any) (Submission, error) {
	args := map[string]any{"url": url}
	if len(options) > 0 {
		args["options"] = options
	}
	return c.submit(ctx, "download", args)
}

// PlayURL downloads url and plays it once the job succeeds
func (c *Client) PlayURL(ctx context.Context, url string, options map[string]any) (Submission, error) {
	args := map[string]any{"url": url}
	if len(options) > 0 {
		args["options"] = options
	}
	return c.submit(ctx, "play_url", args)
}

// AddToQueue downloads url and appends it to the playlist without
// touching playback
func (c *Client) AddToQueue(ctx context.Context, url string) (Submission, error) {
	return c.submit(ctx, "add_to_queue", map[string]any{"url": url})
}

// ConvertFiles queues a conversion job; an empty mode means PNG to JPG
func (c *Client) ConvertFiles(ctx context.Context, paths []string, mode string) (Submission, error) {
	if mode == "" {
		mode = DefaultConvertMode
	}
	return c.submit(ctx, "convert_files", map[string]any{"paths": paths, "mode": mode})
}

// JobStatus returns a job snapshot
func (c *Client) JobStatus(ctx context.Context, id string) (jobs.Job, error) {
	var j jobs.Job
	err := c.Call(ctx, "job_status", map[string]any{"job_id": id}, &j)
	return j, err
}

// CancelJob requests cancellation and reports whether it was accepted
func (c *Client) CancelJob(ctx context.Context, id string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.Call(ctx, "cancel_job", map[string]any{"job_id": id}, &out)
	return out.Cancelled, err
}

// AckJob removes a finished job from the daemon
func (c *Client) AckJob(ctx context.Context, id string) error {
	return c.Call(ctx, "ack_job", map[string]any{"job_id": id}, nil)
}

// ListJobs returns active jobs, or every retained job when all is set
func (c *Client) ListJobs(ctx context.Context, all bool) ([]jobs.Job, error) {
	var out struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	err := c.Call(ctx, "list_jobs", map[string]any{"all": all}, &out)
	return out.Jobs, err
}

// WaitForJob polls until the job is terminal or ctx ends
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (jobs.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.JobStatus(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Subscribe turns on event delivery to Events. No kinds means every kind.
func (c *Client) Subscribe(ctx context.Context, kinds ...string) error {
	args := map[string]any{}
	if len(kinds) > 0 {
		args["kinds"] = kinds
	}
	return c.Call(ctx, "subscribe", args, nil)
}

// Unsubscribe stops event delivery
func (c *Client) Unsubscribe(ctx context.Context) error {
	return c.Call(ctx, "unsubscribe", nil, nil)
}

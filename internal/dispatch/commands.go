package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/convert"
	"github.com/austinkregel/codemd/internal/download"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

type noArgs struct{}

type setVolumeArgs struct {
	Volume float64 `json:"volume" jsonschema:"required"`
	Strict bool    `json:"strict,omitempty"`
}

type setPositionArgs struct {
	Position any `json:"position" jsonschema:"required,oneof_type=number;string"`
}

type setLoopModeArgs struct {
	Mode string `json:"mode" jsonschema:"required,enum=off,enum=track,enum=playlist"`
}

type loadPlaylistArgs struct {
	Paths  []string `json:"paths,omitempty"`
	Files  []string `json:"files,omitempty"`
	Append bool     `json:"append,omitempty"`
}

type downloadArgs struct {
	URL     string         `json:"url" jsonschema:"required,minLength=1"`
	Options map[string]any `json:"options,omitempty"`
}

type convertArgs struct {
	Paths []string `json:"paths,omitempty"`
	Files []string `json:"files,omitempty"`
	Mode  string   `json:"mode" jsonschema:"required,minLength=1"`
}

type jobArgs struct {
	JobID string `json:"job_id" jsonschema:"required,minLength=1"`
}

type listJobsArgs struct {
	All bool `json:"all,omitempty"`
}

func (d *Dispatcher) registerAll() error {
	steps := []error{
		register(d, "play", mutate(d, func(noArgs) (state.Mutation, error) { return state.Play{}, nil })),
		register(d, "pause", mutate(d, func(noArgs) (state.Mutation, error) { return state.Pause{}, nil })),
		register(d, "stop", mutate(d, func(noArgs) (state.Mutation, error) { return state.Stop{}, nil })),
		register(d, "next_track", mutate(d, func(noArgs) (state.Mutation, error) { return state.NextTrack{}, nil })),
		register(d, "prev_track", mutate(d, func(noArgs) (state.Mutation, error) { return state.PreviousTrack{}, nil })),
		register(d, "toggle_loop", mutate(d, func(noArgs) (state.Mutation, error) { return state.ToggleLoop{}, nil })),
		register(d, "set_volume", mutate(d, func(a setVolumeArgs) (state.Mutation, error) {
			return state.SetVolume{Value: a.Volume, Strict: a.Strict}, nil
		})),
		register(d, "set_position", mutate(d, func(a setPositionArgs) (state.Mutation, error) {
			return state.ParsePosition(a.Position)
		})),
		register(d, "set_loop_mode", mutate(d, func(a setLoopModeArgs) (state.Mutation, error) {
			mode, err := types.ParseLoopMode(a.Mode)
			if err != nil {
				return nil, apperr.Validation("mode", err.Error())
			}
			return state.SetLoopMode{Mode: mode}, nil
		})),
		register(d, "load_playlist", d.loadPlaylist),
		register(d, "get_playlist", d.getPlaylist),
		register(d, "get_status", d.getStatus),
		register(d, "download", func(ctx context.Context, a downloadArgs) (any, error) {
			return d.submitDownload(a, false)
		}),
		register(d, "play_url", func(ctx context.Context, a downloadArgs) (any, error) {
			return d.submitDownload(a, true)
		}),
		register(d, "add_to_queue", func(ctx context.Context, a downloadArgs) (any, error) {
			a.Options = lo.Assign(a.Options, map[string]any{"enqueue": true})
			return d.submitDownload(a, false)
		}),
		register(d, "convert_files", d.convertFiles),
		register(d, "job_status", d.jobStatus),
		register(d, "cancel_job", d.cancelJob),
		register(d, "ack_job", d.ackJob),
		register(d, "list_jobs", d.listJobs),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	d.alias("next", "next_track")
	d.alias("prev", "prev_track")
	d.alias("previous_track", "prev_track")
	return nil
}

// mutate adapts a mutation builder into a command returning the new state
func mutate[A any](d *Dispatcher, build func(A) (state.Mutation, error)) func(context.Context, A) (any, error) {
	return func(_ context.Context, args A) (any, error) {
		m, err := build(args)
		if err != nil {
			return nil, err
		}
		st, err := d.store.Apply(m)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (d *Dispatcher) loadPlaylist(ctx context.Context, a loadPlaylistArgs) (any, error) {
	paths := append(a.Paths, a.Files...)
	if len(paths) == 0 {
		paths = d.libraryPaths()
		if len(paths) == 0 {
			return nil, apperr.Validation("paths", "no paths given and no library paths configured")
		}
	}

	tracks, err := d.resolver.Resolve(ctx, paths)
	if err != nil {
		return nil, err
	}
	st, err := d.store.Apply(state.LoadPlaylist{Tracks: tracks, Append: a.Append})
	if err != nil {
		return nil, err
	}
	d.probeDurations(tracks)
	return st, nil
}

func (d *Dispatcher) getPlaylist(context.Context, noArgs) (any, error) {
	st, err := d.store.Apply(state.GetPlaylist{})
	if err != nil {
		return nil, err
	}
	var current *int
	if st.Index >= 0 {
		idx := st.Index
		current = &idx
	}
	tracks := st.Playlist
	if tracks == nil {
		tracks = []types.TrackRef{}
	}
	return map[string]any{
		"playlist":      tracks,
		"current_index": current,
	}, nil
}

func (d *Dispatcher) getStatus(context.Context, noArgs) (any, error) {
	return Status(d.store.Snapshot(), d.jobs.Active()), nil
}

// Status renders the get_status payload: the full player state, the
// active jobs and the flat convenience fields older clients read.
func Status(st state.PlayerState, active []jobs.Job) map[string]any {
	out := map[string]any{
		"playback_status":  st.Status,
		"playlist":         st.Playlist,
		"current_index":    nil,
		"position_seconds": st.Position,
		"duration_seconds": nil,
		"volume_percent":   st.Volume,
		"loop_mode":        st.Loop,
		"revision":         st.Revision,
		"jobs":             active,

		"is_playing":      st.Status == types.StatusPlaying,
		"is_paused":       st.Status == types.StatusPaused,
		"current_track":   nil,
		"playlist_index":  st.Index,
		"playlist_length": len(st.Playlist),
		"volume":          st.Volume,
		"position":        st.Position,
		"duration":        0.0,
	}
	if st.Playlist == nil {
		out["playlist"] = []types.TrackRef{}
	}
	if active == nil {
		out["jobs"] = []jobs.Job{}
	}
	if st.Index >= 0 {
		out["current_index"] = st.Index
	}
	if track, ok := st.Current(); ok {
		out["current_track"] = track.DisplayName
	}
	if dur, ok := st.Duration(); ok {
		out["duration_seconds"] = dur
		out["duration"] = dur
	}
	return out
}

func (d *Dispatcher) submitDownload(a downloadArgs, autoPlay bool) (any, error) {
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("url", fmt.Sprintf("expected an http(s) URL, got %q", a.URL))
	}
	if _, err := download.ParseOptions(a.Options); err != nil {
		return nil, apperr.Validation("options", err.Error())
	}
	enqueue, _ := a.Options["enqueue"].(bool)

	params := jobs.DownloadParams{
		URL:      u.String(),
		Options:  a.Options,
		AutoPlay: autoPlay,
		Enqueue:  enqueue && !autoPlay,
	}
	var opts []jobs.SubmitOption
	if params.AutoPlay || params.Enqueue {
		opts = append(opts, jobs.OnComplete(d.onDownloadComplete))
	}
	sub, err := d.jobs.Submit(jobs.KindDownload, params, opts...)
	if err != nil {
		return nil, err
	}
	return submitted(sub), nil
}

// onDownloadComplete feeds a finished download into the playlist
func (d *Dispatcher) onDownloadComplete(job jobs.Job) {
	params, ok := job.Params.(jobs.DownloadParams)
	if !ok || job.Status != jobs.StatusSucceeded || job.Result == nil || len(job.Result.Outputs) == 0 {
		return
	}
	log := d.logger.WithFields(logrus.Fields{"job_id": job.ID, "auto_play": params.AutoPlay})
	tracks := lo.Map(job.Result.Outputs, func(p string, _ int) types.TrackRef {
		return types.NewTrackRef(p)
	})

	if params.AutoPlay {
		if _, err := d.store.Apply(state.LoadPlaylist{Tracks: tracks}); err != nil {
			log.WithError(err).Warn("Failed to load downloaded track")
			return
		}
		if _, err := d.store.Apply(state.Play{}); err != nil {
			log.WithError(err).Warn("Failed to start playback")
		}
	} else {
		if _, err := d.store.Apply(state.LoadPlaylist{Tracks: tracks, Append: true}); err != nil {
			log.WithError(err).Warn("Failed to queue downloaded track")
			return
		}
	}
	log.Info("Downloaded track added to playlist")
	d.probeDurations(tracks)
}

func (d *Dispatcher) convertFiles(_ context.Context, a convertArgs) (any, error) {
	mode, err := convert.ParseMode(a.Mode)
	if err != nil {
		return nil, err
	}
	paths, err := convert.ValidateInputs(append(a.Paths, a.Files...))
	if err != nil {
		return nil, err
	}
	sub, err := d.jobs.Submit(jobs.KindConvert, jobs.ConvertParams{Paths: paths, Mode: string(mode)})
	if err != nil {
		return nil, err
	}
	return submitted(sub), nil
}

func submitted(sub jobs.Submission) map[string]any {
	data := map[string]any{
		"job_id":        sub.Job.ID,
		"status":        sub.Job.Status,
		"queued_behind": sub.QueuedBehind,
	}
	if sub.Saturated {
		data["notice"] = fmt.Sprintf("%s: all workers are busy, job is queued", apperr.CodeResourceUnavailable)
	}
	return data
}

func (d *Dispatcher) jobStatus(_ context.Context, a jobArgs) (any, error) {
	return d.jobs.Status(a.JobID)
}

func (d *Dispatcher) cancelJob(_ context.Context, a jobArgs) (any, error) {
	cancelled, err := d.jobs.Cancel(a.JobID)
	if err != nil {
		return nil, err
	}
	job, err := d.jobs.Status(a.JobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": cancelled, "job": job}, nil
}

func (d *Dispatcher) ackJob(_ context.Context, a jobArgs) (any, error) {
	if err := d.jobs.Acknowledge(a.JobID); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": a.JobID, "acknowledged": true}, nil
}

func (d *Dispatcher) listJobs(_ context.Context, a listJobsArgs) (any, error) {
	list := d.jobs.Active()
	if a.All {
		list = d.jobs.List()
	}
	if list == nil {
		list = []jobs.Job{}
	}
	return map[string]any{"jobs": list}, nil
}

// probeDurations looks up unknown track lengths in the background
func (d *Dispatcher) probeDurations(tracks []types.TrackRef) {
	go d.resolver.ProbeAll(d.background, tracks, d.probeLimit, func(path string, seconds float64) {
		if _, err := d.store.Apply(state.ReportDuration{Path: path, Seconds: seconds}); err != nil {
			d.logger.WithError(err).WithField("path", path).Debug("Failed to record duration")
		}
	})
}

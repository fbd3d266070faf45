package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/austinkregel/codemd/internal/client"
	"github.com/austinkregel/codemd/internal/config"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/state"
	"github.com/austinkregel/codemd/internal/types"
)

type ctlOptions struct {
	addr    string
	timeout time.Duration
}

func newCtlCmd() *cobra.Command {
	opts := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running daemon",
	}

	defaultAddr := client.DefaultAddr
	if v := os.Getenv(config.EnvListen); v != "" {
		defaultAddr = v
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "Daemon control address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Per-request timeout")

	stateCmd := func(use, short string, call func(*client.Client, context.Context) (state.PlayerState, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
					st, err := call(c, ctx)
					if err != nil {
						return err
					}
					printState(cmd.OutOrStdout(), st)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		stateCmd("play", "Start or resume playback", (*client.Client).Play),
		stateCmd("pause", "Pause playback", (*client.Client).Pause),
		stateCmd("stop", "Stop playback", (*client.Client).Stop),
		stateCmd("next", "Skip to the next track", (*client.Client).NextTrack),
		stateCmd("prev", "Go back to the previous track", (*client.Client).PreviousTrack),
		newVolumeCmd(opts),
		newSeekCmd(opts),
		newLoopCmd(opts),
		newLoadCmd(opts),
		newPlaylistCmd(opts),
		newStatusCmd(opts),
		newDownloadCmd(opts),
		newConvertCmd(opts),
		newJobsCmd(opts),
		newJobCmd(opts),
		newCancelCmd(opts),
		newAckCmd(opts),
		newWaitCmd(opts),
		newEventsCmd(opts),
	)

	return cmd
}

// run dials the daemon, runs fn and closes the connection
func (o *ctlOptions) run(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := client.Dial(ctx, o.addr, client.WithTimeout(o.timeout))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newVolumeCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "volume <0-100>",
		Short: "Set the volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("volume must be a whole number: %w", err)
			}
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				st, err := c.SetVolume(ctx, v)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newSeekCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seek <seconds|percent%>",
		Short: "Seek within the current track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var position any = args[0]
			if secs, err := strconv.ParseFloat(args[0], 64); err == nil {
				position = secs
			}
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				st, err := c.SetPosition(ctx, position)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newLoopCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "loop [off|track|playlist]",
		Short: "Cycle or set the loop mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				var (
					st  state.PlayerState
					err error
				)
				if len(args) == 0 {
					st, err = c.ToggleLoop(ctx)
				} else {
					mode, perr := types.ParseLoopMode(args[0])
					if perr != nil {
						return perr
					}
					st, err = c.SetLoopMode(ctx, mode)
				}
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newLoadCmd(opts *ctlOptions) *cobra.Command {
	var appendTracks bool
	cmd := &cobra.Command{
		Use:   "load [paths...]",
		Short: "Load files, directories or URLs into the playlist",
		Long:  "Load files, directories or URLs into the playlist. With no paths the daemon loads its configured library.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				st, err := c.LoadPlaylist(ctx, args, appendTracks)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d tracks\n", len(st.Playlist))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&appendTracks, "append", "a", false, "Append instead of replacing the playlist")
	return cmd
}

func newPlaylistCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "playlist",
		Short: "Show the playlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := c.GetPlaylist(ctx)
				if err != nil {
					return err
				}
				renderPlaylist(cmd.OutOrStdout(), p)
				return nil
			})
		},
	}
}

func newStatusCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show player state and active jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				s, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				renderStatus(cmd.OutOrStdout(), s)
				if len(s.Jobs) > 0 {
					renderJobs(cmd.OutOrStdout(), s.Jobs)
				}
				return nil
			})
		},
	}
}

func newDownloadCmd(opts *ctlOptions) *cobra.Command {
	var (
		play, enqueue, direct, wait bool
		title, artist, album        string
		format, filename            string
	)
	cmd := &cobra.Command{
		Use:     "download <url>",
		Aliases: []string{"dl"},
		Short:   "Download a URL in the background",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := lo.OmitByValues(map[string]any{
				"title":        title,
				"artist":       artist,
				"album":        album,
				"audio_format": format,
				"filename":     filename,
			}, []any{""})
			if direct {
				options["direct"] = true
			}
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				var (
					sub client.Submission
					err error
				)
				switch {
				case play:
					sub, err = c.PlayURL(ctx, args[0], options)
				case enqueue:
					options["enqueue"] = true
					sub, err = c.Download(ctx, args[0], options)
				default:
					sub, err = c.Download(ctx, args[0], options)
				}
				if err != nil {
					return err
				}
				printSubmission(cmd.OutOrStdout(), sub)
				if wait {
					return waitAndPrint(ctx, cmd.OutOrStdout(), c, sub.JobID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&play, "play", false, "Play the file once downloaded")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Append the file to the playlist once downloaded")
	cmd.Flags().BoolVar(&direct, "direct", false, "Fetch the URL as a plain file instead of through yt-dlp")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	cmd.Flags().StringVar(&title, "title", "", "ID3 title for the downloaded file")
	cmd.Flags().StringVar(&artist, "artist", "", "ID3 artist for the downloaded file")
	cmd.Flags().StringVar(&album, "album", "", "ID3 album for the downloaded file")
	cmd.Flags().StringVar(&format, "format", "", "Audio format to extract")
	cmd.Flags().StringVar(&filename, "filename", "", "Output file name")
	cmd.MarkFlagsMutuallyExclusive("play", "enqueue")
	return cmd
}

func newConvertCmd(opts *ctlOptions) *cobra.Command {
	var (
		mode string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "convert <files...>",
		Short: "Convert files in the background",
		Long:  `Convert files in the background. Modes: "PNG to JPG", "JPG to PNG", "PNG to ICO", "Image to WebP", "WebP to PNG", "PDF to JPGs", "JPGs to PDF".`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				sub, err := c.ConvertFiles(ctx, args, mode)
				if err != nil {
					return err
				}
				printSubmission(cmd.OutOrStdout(), sub)
				if wait {
					return waitAndPrint(ctx, cmd.OutOrStdout(), c, sub.JobID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", client.DefaultConvertMode, "Conversion mode")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	return cmd
}

func newJobsCmd(opts *ctlOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				list, err := c.ListJobs(ctx, all)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				renderJobs(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include finished jobs")
	return cmd
}

func newJobCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				j, err := c.JobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				renderJobs(cmd.OutOrStdout(), []jobs.Job{j})
				return nil
			})
		},
	}
}

func newCancelCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				ok, err := c.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s already finished\n", args[0])
				}
				return nil
			})
		},
	}
}

func newAckCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "Forget a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				return c.AckJob(ctx, args[0])
			})
		},
	}
}

func newWaitCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for a job to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client) error {
				return waitAndPrint(ctx, cmd.OutOrStdout(), c, args[0])
			})
		},
	}
}

func newEventsCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events [kinds...]",
		Short: "Print events as they happen",
		Long:  "Print events as they happen. Kinds are PLAYBACK_CHANGED, JOB_PROGRESS and JOB_COMPLETED; none means all.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			kinds := lo.Map(args, func(k string, _ int) string { return strings.ToUpper(k) })
			return opts.run(cmd, func(_ context.Context, c *client.Client) error {
				if err := c.Subscribe(ctx, kinds...); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for {
					select {
					case <-ctx.Done():
						return nil
					case e, ok := <-c.Events():
						if !ok {
							return fmt.Errorf("daemon closed the connection")
						}
						fmt.Fprintf(out, "%s %-16s %s\n", e.At.Local().Format("15:04:05"), e.Kind, e.Payload)
					}
				}
			})
		},
	}
}

// waitAndPrint blocks until the job is terminal and fails unless it succeeded
func waitAndPrint(ctx context.Context, w io.Writer, c *client.Client, id string) error {
	j, err := c.WaitForJob(ctx, id, 500*time.Millisecond)
	if err != nil {
		return err
	}
	renderJobs(w, []jobs.Job{j})
	if j.Status != jobs.StatusSucceeded {
		return fmt.Errorf("job %s %s", id, j.Status)
	}
	return nil
}

func printSubmission(w io.Writer, sub client.Submission) {
	fmt.Fprintf(w, "Job %s %s", sub.JobID, sub.Status)
	if sub.QueuedBehind > 0 {
		fmt.Fprintf(w, " (%d ahead)", sub.QueuedBehind)
	}
	fmt.Fprintln(w)
	if sub.Notice != "" {
		fmt.Fprintln(w, sub.Notice)
	}
}

func printState(w io.Writer, st state.PlayerState) {
	track := "-"
	if t, ok := st.Current(); ok {
		track = fmt.Sprintf("%d/%d %s", st.Index+1, len(st.Playlist), t.DisplayName)
	}
	fmt.Fprintf(w, "%-7s %s  %s  vol %d  loop %s\n", st.Status, track, clock(st), st.Volume, st.Loop)
}

func clock(st state.PlayerState) string {
	if d, ok := st.Duration(); ok {
		return formatSeconds(st.Position) + " / " + formatSeconds(d)
	}
	return formatSeconds(st.Position)
}

func formatSeconds(s float64) string {
	d := time.Duration(s * float64(time.Second)).Round(time.Second)
	m := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", m, int((d%time.Minute)/time.Second))
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderStatus(w io.Writer, s client.Status) {
	st := s.Player
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"Status", st.Status},
		{"Track", lo.Ternary(s.CurrentTrack == "", "-", s.CurrentTrack)},
		{"Index", lo.Ternary(st.Index < 0, "-", fmt.Sprintf("%d of %d", st.Index+1, len(st.Playlist)))},
		{"Position", clock(st)},
		{"Volume", st.Volume},
		{"Loop", st.Loop},
	})
	t.Render()
}

func renderPlaylist(w io.Writer, p client.Playlist) {
	if len(p.Tracks) == 0 {
		fmt.Fprintln(w, "Playlist is empty")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"", "#", "Name", "Duration", "Path"})
	for i, track := range p.Tracks {
		marker := ""
		if p.CurrentIndex != nil && *p.CurrentIndex == i {
			marker = ">"
		}
		duration := "-"
		if track.HasDuration() {
			duration = formatSeconds(track.Duration)
		}
		t.AppendRow(table.Row{marker, i + 1, track.DisplayName, duration, track.Path})
	}
	t.Render()
}

func renderJobs(w io.Writer, list []jobs.Job) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Kind", "Status", "Progress", "Detail"})
	for _, j := range list {
		t.AppendRow(table.Row{j.ID, j.Kind, j.Status, fmt.Sprintf("%.0f%%", j.Progress), jobDetail(j)})
	}
	t.Render()
}

func jobDetail(j jobs.Job) string {
	if j.Error != "" {
		return j.Error
	}
	if j.Result != nil && len(j.Result.Outputs) > 0 {
		if len(j.Result.Outputs) == 1 {
			return j.Result.Outputs[0]
		}
		return fmt.Sprintf("%d files", len(j.Result.Outputs))
	}
	return ""
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/codemd/internal/config"
	"github.com/austinkregel/codemd/internal/convert"
	"github.com/austinkregel/codemd/internal/dispatch"
	"github.com/austinkregel/codemd/internal/download"
	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/eventstream"
	"github.com/austinkregel/codemd/internal/ipc"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/library"
	"github.com/austinkregel/codemd/internal/logging"
	"github.com/austinkregel/codemd/internal/media"
	"github.com/austinkregel/codemd/internal/notify"
	"github.com/austinkregel/codemd/internal/state"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	configDir string
	listen    string
	logLevel  string
	maxJobs   int
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long:  "Run the control-plane daemon in the foreground until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configDir, "config-dir", "", "Configuration directory (default: ~/.config/codemd)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Control server address, overrides the config file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level, overrides the config file")
	cmd.Flags().IntVar(&opts.maxJobs, "max-jobs", 0, "Maximum concurrently running jobs, overrides the config file")

	return cmd
}

// applyOverrides layers command line flags over the loaded configuration
func (o *serveOptions) applyOverrides(cfg *config.Config) error {
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.maxJobs != 0 {
		cfg.Jobs.MaxConcurrent = o.maxJobs
	}
	return cfg.Validate()
}

func runServe(ctx context.Context, opts *serveOptions) error {
	dir := opts.configDir
	if dir == "" {
		dir = config.DefaultDir()
	}
	dir = config.ExpandPath(dir)

	configMgr := config.NewManager(dir)
	if err := configMgr.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()
	if err := opts.applyOverrides(cfg); err != nil {
		return err
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	logger := logging.NewLogger("codemd")
	logger.WithFields(logrus.Fields{
		"version": Version,
		"config":  configMgr.GetPath(),
		"pid":     os.Getpid(),
	}).Info("Starting daemon")

	store := state.NewStore(state.WithVolume(cfg.Playback.DefaultVolume))
	notifier := events.NewNotifier(0)
	defer notifier.Close()

	var persister *state.Persister
	if cfg.Behavior.RememberPlaylist {
		persister = state.NewPersister(dir)
		if err := persister.Restore(store); err != nil {
			logger.WithError(err).Warn("Failed to restore saved playlist")
		} else if st := store.Snapshot(); len(st.Playlist) > 0 {
			logger.WithFields(logrus.Fields{"tracks": len(st.Playlist), "index": st.Index}).Info("Restored saved playlist")
		}
		store.OnChange(func(st state.PlayerState) {
			if err := persister.Save(st); err != nil {
				logger.WithError(err).Warn("Failed to save player state")
			}
		})
	}
	store.OnChange(func(st state.PlayerState) {
		notifier.Publish(events.Playback(st))
	})

	orch := jobs.New(jobs.Config{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		MaxQueued:     cfg.Jobs.MaxQueued,
		Retention:     cfg.Jobs.Retention,
	}, notifier)
	orch.Register(jobs.KindDownload, download.NewRunner(download.Config{
		Directory:     config.ExpandPath(cfg.Download.Directory),
		AudioFormat:   cfg.Download.AudioFormat,
		MaxRetries:    cfg.Download.MaxRetries,
		RetryCooldown: cfg.Download.RetryCooldown,
		UserAgent:     "codemd/" + Version,
	}))
	orch.Register(jobs.KindConvert, convert.NewRunner(cfg.Convert.Concurrency))
	orch.Start(ctx)

	var prober library.Prober
	if p := library.NewFFProbe(); p != nil {
		prober = p
	} else {
		logger.Info("ffprobe not found, track durations stay unknown until reported")
	}

	dispatcher, err := dispatch.New(store, orch, library.NewResolver(prober),
		dispatch.WithLibraryPaths(func() []string { return configMgr.Get().Library.Paths }),
		dispatch.WithBackground(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to build command dispatcher: %w", err)
	}

	server := ipc.NewServer(cfg.Listen, dispatcher, notifier)
	if err := server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})

	if addr := cfg.Events.WebSocketAddr; addr != "" {
		feed := eventstream.NewServer(addr, notifier, func() events.Event {
			return events.Playback(store.Snapshot())
		})
		if err := feed.Listen(); err != nil {
			logger.WithError(err).Warn("WebSocket event feed disabled")
		} else {
			g.Go(func() error { return feed.Serve(gctx) })
		}
	}

	if cfg.Media.Enabled {
		session, err := media.NewSession()
		if err != nil {
			logger.WithError(err).Warn("Continuing without OS media integration")
			session = media.NewNoOpSession()
		} else {
			logger.Info("Media session initialized")
		}
		defer session.Close()

		bridge := media.NewBridge(session, dispatcher)
		sub := notifier.Subscribe(events.PlaybackChanged)
		g.Go(func() error {
			defer sub.Close()
			bridge.Run(gctx, sub, store.Snapshot())
			return nil
		})
	}

	if cfg.Notify.Desktop {
		sub := notifier.Subscribe(events.JobCompleted)
		g.Go(func() error {
			defer sub.Close()
			notify.New(nil).Run(gctx, sub)
			return nil
		})
	}

	g.Go(func() error {
		runClock(gctx, store, persister, cfg.Playback.TickInterval)
		return nil
	})

	if watcher, err := config.NewWatcher(configMgr, 0, func(c *config.Config) {
		if opts.logLevel != "" {
			return
		}
		if err := logging.SetLevel(c.Logging.Level); err != nil {
			logger.WithError(err).Warn("Ignoring log level from reloaded config")
		}
	}); err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		g.Go(func() error {
			watcher.Start(gctx)
			return nil
		})
	}

	serveErr := g.Wait()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Jobs did not stop in time")
	}

	if persister != nil {
		if err := persister.Save(store.Snapshot()); err != nil {
			logger.WithError(err).Warn("Failed to save player state on shutdown")
		} else {
			logger.Info("Player state saved")
		}
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}

// runClock applies Tick so the end of a track advances the playlist, and
// checkpoints the playing position when persistence is on
func runClock(ctx context.Context, store *state.Store, persister *state.Persister, interval time.Duration) {
	logger := logging.NewLogger("codemd")
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, _ := store.Apply(state.Tick{})
			if persister == nil {
				continue
			}
			if _, err := persister.Checkpoint(st); err != nil {
				logger.WithError(err).Warn("Failed to checkpoint player state")
			}
		}
	}
}

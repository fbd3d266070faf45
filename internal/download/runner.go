// Package download implements the DOWNLOAD job: fetching remote media into
// the download directory, either directly over HTTP or through yt-dlp.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/library"
	"github.com/austinkregel/codemd/internal/logging"
)

// Config controls where and how downloads are stored
type Config struct {
	Directory     string
	AudioFormat   string
	MaxRetries    int
	RetryCooldown time.Duration
	UserAgent     string
}

// Request is one fetch attempt
type Request struct {
	URL         string
	Directory   string
	Filename    string
	AudioFormat string
}

// Fetcher retrieves a URL and returns the path of the stored file
type Fetcher interface {
	Fetch(ctx context.Context, req Request, report func(float64)) (string, error)
}

// Options are the recognised keys of a download request's options mapping
type Options struct {
	// Direct skips yt-dlp and fetches the URL as a plain file
	Direct      bool   `mapstructure:"direct"`
	Filename    string `mapstructure:"filename"`
	AudioFormat string `mapstructure:"audio_format"`
	Title       string `mapstructure:"title"`
	Artist      string `mapstructure:"artist"`
	Album       string `mapstructure:"album"`
}

// ParseOptions decodes the free-form options mapping. Unknown keys are
// ignored.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("invalid download options: %w", err)
	}
	return opts, nil
}

// Runner executes download jobs
type Runner struct {
	cfg    Config
	direct Fetcher
	remote Fetcher
	logger *logrus.Entry
}

// Option customises a Runner
type Option func(*Runner)

// WithHTTPClient sets the client used for direct downloads
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		r.direct = &httpFetcher{client: c, userAgent: r.cfg.UserAgent}
	}
}

// WithRemoteFetcher replaces the yt-dlp fetcher
func WithRemoteFetcher(f Fetcher) Option {
	return func(r *Runner) { r.remote = f }
}

// NewRunner creates a download runner
func NewRunner(cfg Config, opts ...Option) *Runner {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "codemd"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r := &Runner{
		cfg:    cfg,
		direct: &httpFetcher{client: &http.Client{}, userAgent: cfg.UserAgent},
		remote: ytdlpFetcher{},
		logger: logging.NewLogger("download"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements jobs.Runner
func (r *Runner) Run(ctx context.Context, job jobs.Job, report jobs.ProgressFunc) (jobs.Result, error) {
	params, ok := job.Params.(jobs.DownloadParams)
	if !ok {
		return jobs.Result{}, fmt.Errorf("unexpected params %T for download job", job.Params)
	}
	opts, err := ParseOptions(params.Options)
	if err != nil {
		return jobs.Result{}, err
	}

	if err := os.MkdirAll(r.cfg.Directory, 0755); err != nil {
		return jobs.Result{}, fmt.Errorf("failed to create download directory: %w", err)
	}

	req := Request{
		URL:         params.URL,
		Directory:   r.cfg.Directory,
		Filename:    sanitizeFilename(opts.Filename),
		AudioFormat: r.cfg.AudioFormat,
	}
	if opts.AudioFormat != "" {
		req.AudioFormat = opts.AudioFormat
	}

	fetcher, via := r.remote, "yt-dlp"
	if opts.Direct || isDirectURL(params.URL) {
		fetcher, via = r.direct, "http"
	}
	log := r.logger.WithFields(logrus.Fields{"job_id": job.ID, "url": params.URL, "via": via})

	out, err := r.fetchWithRetry(ctx, fetcher, req, report, log)
	if err != nil {
		return jobs.Result{}, err
	}

	tags := Tags{Title: opts.Title, Artist: opts.Artist, Album: opts.Album}
	if err := writeTags(out, tags); err != nil {
		log.WithError(err).Warn("Failed to write ID3 tags")
	}

	log.WithField("path", out).Info("Download complete")
	return jobs.Result{Outputs: []string{out}, Detail: "downloaded via " + via}, nil
}

func (r *Runner) fetchWithRetry(ctx context.Context, f Fetcher, req Request, report func(float64), log *logrus.Entry) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.cfg.RetryCooldown):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			log.Infof("Retrying download, attempt %d", attempt+1)
		}

		out, err := f.Fetch(ctx, req, report)
		if err == nil {
			return out, nil
		}
		lastErr = err
		log.WithError(err).Warnf("Download attempt %d failed", attempt+1)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var se *statusError
		if errors.As(err, &se) && se.permanent() {
			break
		}
	}
	return "", lastErr
}

// isDirectURL reports whether the URL names an audio file that can be
// fetched without extraction.
func isDirectURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return library.IsAudioFile(u.Path)
}

func filenameFromURL(raw string) string {
	name := "download"
	if u, err := url.Parse(raw); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			if unescaped, err := url.PathUnescape(base); err == nil {
				base = unescaped
			}
			name = base
		}
	}
	if s := sanitizeFilename(name); s != "" {
		return s
	}
	return "download"
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

func sanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(strings.TrimSpace(name), ".")
	if name == "" {
		return ""
	}
	return filepath.Base(name)
}

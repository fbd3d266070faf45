// Package convert implements the CONVERT job. Raster conversions run in
// process; WebP encoding and PDF handling shell out to cwebp, pdftoppm and
// img2pdf.
package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/config"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/logging"
)

// DefaultConcurrency is the per-job file parallelism when unset
const DefaultConcurrency = 4

// Runner executes conversion jobs
type Runner struct {
	concurrency int
	tools       toolRunner
	logger      *logrus.Entry
}

// Option customises a Runner
type Option func(*Runner)

// WithLookPath replaces exec.LookPath when locating external tools
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Runner) { r.tools.lookPath = fn }
}

// NewRunner creates a conversion runner converting up to concurrency files
// of one job at a time.
func NewRunner(concurrency int, opts ...Option) *Runner {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	r := &Runner{
		concurrency: concurrency,
		tools:       toolRunner{lookPath: exec.LookPath},
		logger:      logging.NewLogger("convert"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateInputs checks that every path names an existing regular file.
// Errors name the offending argument.
func ValidateInputs(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, apperr.Validation("paths", "at least one file is required")
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		field := fmt.Sprintf("paths[%d]", i)
		p = config.ExpandPath(strings.TrimSpace(p))
		info, err := os.Stat(p)
		switch {
		case os.IsNotExist(err):
			return nil, apperr.Validation(field, fmt.Sprintf("no such file: %s", p))
		case err != nil:
			return nil, apperr.Validation(field, err.Error())
		case info.IsDir():
			return nil, apperr.Validation(field, fmt.Sprintf("%s is a directory", p))
		}
		out[i] = p
	}
	return out, nil
}

// Run implements jobs.Runner
func (r *Runner) Run(ctx context.Context, job jobs.Job, report jobs.ProgressFunc) (jobs.Result, error) {
	params, ok := job.Params.(jobs.ConvertParams)
	if !ok {
		return jobs.Result{}, fmt.Errorf("unexpected params %T for convert job", job.Params)
	}
	mode, err := ParseMode(params.Mode)
	if err != nil {
		return jobs.Result{}, err
	}
	inputs, err := ValidateInputs(params.Paths)
	if err != nil {
		return jobs.Result{}, err
	}

	log := r.logger.WithFields(logrus.Fields{"job_id": job.ID, "mode": mode, "files": len(inputs)})
	log.Info("Conversion started")

	names := &reserver{taken: make(map[string]bool)}
	var outputs []string
	if mode == ModeJPGsToPDF {
		out := names.reserve(inputs[0], ".pdf")
		if err := r.tools.jpgsToPDF(ctx, inputs, out); err != nil {
			return jobs.Result{}, err
		}
		outputs = []string{out}
	} else {
		outputs, err = r.each(ctx, inputs, report, func(ctx context.Context, in string) ([]string, error) {
			return r.convertOne(ctx, mode, in, names)
		})
		if err != nil {
			return jobs.Result{}, err
		}
	}

	log.WithField("outputs", len(outputs)).Info("Conversion complete")
	return jobs.Result{
		Outputs: outputs,
		Detail:  fmt.Sprintf("%s: %d file(s) converted", mode, len(inputs)),
	}, nil
}

// each converts inputs concurrently, stops at the first failure and returns
// the outputs in input order.
func (r *Runner) each(ctx context.Context, inputs []string, report jobs.ProgressFunc, fn func(context.Context, string) ([]string, error)) ([]string, error) {
	results := make([][]string, len(inputs))
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := fn(ctx, in)
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(in), err)
			}
			results[i] = out
			report(float64(done.Add(1)) / float64(len(inputs)) * 100)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var outputs []string
	for _, out := range results {
		outputs = append(outputs, out...)
	}
	return outputs, nil
}

func (r *Runner) convertOne(ctx context.Context, mode Mode, in string, names *reserver) ([]string, error) {
	single := func(ext string, convert func(in, out string) error) ([]string, error) {
		out := names.reserve(in, ext)
		if err := convert(in, out); err != nil {
			return nil, err
		}
		return []string{out}, nil
	}

	switch mode {
	case ModePNGToJPG:
		return single(".jpg", pngToJPG)
	case ModeJPGToPNG:
		return single(".png", jpgToPNG)
	case ModePNGToICO:
		return single(".ico", pngToICO)
	case ModeWebPToPNG:
		return single(".png", webpToPNG)
	case ModeImageToWebP:
		return single(".webp", func(in, out string) error {
			return r.tools.imageToWebP(ctx, in, out)
		})
	case ModePDFToJPGs:
		dir := names.reserve(in, " pages")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return r.tools.pdfToJPGs(ctx, in, filepath.Join(dir, "page"))
	default:
		return nil, fmt.Errorf("conversion %q has no per-file form", mode)
	}
}

// reserver hands out output paths that collide neither with existing files
// nor with each other within one job.
type reserver struct {
	mu    sync.Mutex
	taken map[string]bool
}

// reserve returns <dir>/<stem><suffix>, adding " (n)" before the suffix
// until the name is free.
func (r *reserver) reserve(in, suffix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := strings.TrimSuffix(in, filepath.Ext(in))
	candidate := base + suffix
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) && !r.taken[candidate] {
			r.taken[candidate] = true
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, n, suffix)
	}
}

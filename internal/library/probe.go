package library

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/codemd/internal/types"
)

// Prober discovers the length of a local audio file
type Prober interface {
	Duration(ctx context.Context, path string) (float64, bool)
}

// FFProbe reads durations with ffprobe, at low priority when nice is
// available.
type FFProbe struct {
	ffprobePath string
	nicePath    string
	timeout     time.Duration
}

// NewFFProbe locates ffprobe in PATH. It returns nil when ffprobe is not
// installed.
func NewFFProbe() *FFProbe {
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil
	}
	nicePath, _ := exec.LookPath("nice")
	return &FFProbe{
		ffprobePath: ffprobePath,
		nicePath:    nicePath,
		timeout:     5 * time.Second,
	}
}

// Duration implements Prober
func (p *FFProbe) Duration(ctx context.Context, path string) (float64, bool) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if p.nicePath != "" {
		cmd = exec.CommandContext(ctx, p.nicePath, append([]string{"-n", "19", p.ffprobePath}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, p.ffprobePath, args...)
	}

	output, err := cmd.Output()
	if err != nil {
		return 0, false
	}
	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (float64, bool) {
	var result struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &result); err != nil || result.Format.Duration == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return seconds, true
}

// ProbeAll probes every local track without a known duration and calls
// found for each one discovered. At most limit probes run at once.
func (r *Resolver) ProbeAll(ctx context.Context, tracks []types.TrackRef, limit int, found func(path string, seconds float64)) {
	if r.prober == nil {
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))

	seen := make(map[string]bool)
	for _, t := range tracks {
		if t.HasDuration() || types.IsRemote(t.Path) || seen[t.Path] {
			continue
		}
		seen[t.Path] = true
		path := t.Path
		g.Go(func() error {
			if seconds, ok := r.prober.Duration(ctx, path); ok {
				found(path, seconds)
			}
			return nil
		})
	}
	_ = g.Wait()
}

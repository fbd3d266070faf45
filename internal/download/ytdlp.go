package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// ytdlpFetcher extracts remote media with yt-dlp
type ytdlpFetcher struct{}

// partialSuffixes mark files yt-dlp is still writing or has abandoned
var partialSuffixes = []string{".part", ".ytdl", ".tmp", ".temp"}

// Fetch implements Fetcher
func (ytdlpFetcher) Fetch(ctx context.Context, req Request, report func(float64)) (string, error) {
	stem := ""
	template := "%(title)s.%(ext)s"
	if req.Filename != "" {
		stem = strings.TrimSuffix(req.Filename, filepath.Ext(req.Filename))
		template = stem + ".%(ext)s"
	}

	// --print-json reports the written file and implies --no-simulate
	dl := ytdlp.New().
		PrintJSON().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Output(filepath.Join(req.Directory, template))
	if req.AudioFormat != "" {
		dl = dl.ExtractAudio().AudioFormat(req.AudioFormat)
	}

	dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes > 0 {
			report(float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100)
		}
	})

	started := time.Now()
	result, err := dl.Run(ctx, req.URL)
	if err != nil {
		return "", err
	}

	var out string
	if info, err := result.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
		out = finalPath(*info[0].Filename, req.AudioFormat)
	} else {
		out, err = newestOutput(req.Directory, stem, req.AudioFormat, started)
		if err != nil {
			return "", err
		}
	}
	report(100)
	return out, nil
}

// finalPath accounts for the audio extraction post-processor replacing the
// downloaded container with a file in the requested format.
func finalPath(downloaded, audioFormat string) string {
	if audioFormat == "" {
		return downloaded
	}
	converted := strings.TrimSuffix(downloaded, filepath.Ext(downloaded)) + "." + audioFormat
	if _, err := os.Stat(converted); err == nil {
		return converted
	}
	return downloaded
}

// newestOutput finds the file yt-dlp wrote when it reported nothing. Files
// in audioFormat win over other completed files written since started.
func newestOutput(dir, stem, audioFormat string, started time.Time) (string, error) {
	pattern := "*"
	if stem != "" {
		pattern = globEscape(stem) + ".*"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}

	// coarse filesystem timestamps can trail the wall clock
	since := started.Add(-2 * time.Second)
	var (
		best      string
		bestTime  time.Time
		bestMatch bool
	)
	for _, m := range matches {
		if isPartial(m) {
			continue
		}
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() || fi.ModTime().Before(since) {
			continue
		}
		match := audioFormat != "" && strings.EqualFold(strings.TrimPrefix(filepath.Ext(m), "."), audioFormat)
		switch {
		case best == "",
			match && !bestMatch,
			match == bestMatch && fi.ModTime().After(bestTime):
			best, bestTime, bestMatch = m, fi.ModTime(), match
		}
	}
	if best == "" {
		return "", errors.New("yt-dlp did not report an output file")
	}
	return best, nil
}

func isPartial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

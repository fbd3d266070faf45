// Package library turns playlist paths into tracks.
// It expands directories to the audio files they contain and probes
// durations with ffprobe when it is installed.
package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/config"
	"github.com/austinkregel/codemd/internal/logging"
	"github.com/austinkregel/codemd/internal/types"
)

// SupportedExtensions are the audio file extensions we recognize
var SupportedExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".wav":  true,
	".wma":  true,
	".alac": true,
	".opus": true,
}

// IsAudioFile reports whether the path has a supported audio extension
func IsAudioFile(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Resolver expands playlist arguments into tracks
type Resolver struct {
	prober Prober
	logger *logrus.Entry
}

// NewResolver creates a resolver. A nil prober leaves durations unknown.
func NewResolver(prober Prober) *Resolver {
	return &Resolver{
		prober: prober,
		logger: logging.NewLogger("library"),
	}
}

// Resolve maps each argument to one or more tracks, keeping argument order.
// http(s) URLs pass through untouched. A directory contributes its audio
// files in lexical order. A missing path fails the whole call with a
// validation error naming the argument.
func (r *Resolver) Resolve(ctx context.Context, paths []string) ([]types.TrackRef, error) {
	var tracks []types.TrackRef
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		field := fmt.Sprintf("paths[%d]", i)

		p = strings.TrimSpace(p)
		if p == "" {
			return nil, apperr.Validation(field, "must not be empty")
		}
		if types.IsRemote(p) {
			tracks = append(tracks, types.NewTrackRef(p))
			continue
		}

		p = config.ExpandPath(p)
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, apperr.Validation(field, fmt.Sprintf("no such file or directory: %s", p))
			}
			return nil, apperr.Validation(field, err.Error())
		}

		if !info.IsDir() {
			tracks = append(tracks, types.NewTrackRef(p))
			continue
		}

		found, err := scanDir(ctx, p)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, apperr.Validation(field, fmt.Sprintf("no audio files in %s", p))
		}
		r.logger.WithFields(logrus.Fields{"dir": p, "files": len(found)}).Debug("Expanded directory")
		for _, f := range found {
			tracks = append(tracks, types.NewTrackRef(f))
		}
	}
	return tracks, nil
}

// scanDir walks dir and returns every supported audio file beneath it
func scanDir(ctx context.Context, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subdirectories are skipped
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsAudioFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

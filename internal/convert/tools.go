package convert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// toolRunner executes an external converter
type toolRunner struct {
	lookPath func(string) (string, error)
}

func (t toolRunner) run(ctx context.Context, tool string, args ...string) error {
	bin, err := t.lookPath(tool)
	if err != nil {
		return fmt.Errorf("%s is not installed or not in PATH", tool)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		if msg != "" {
			return fmt.Errorf("%s failed: %w: %s", tool, err, msg)
		}
		return fmt.Errorf("%s failed: %w", tool, err)
	}
	return nil
}

func (t toolRunner) imageToWebP(ctx context.Context, in, out string) error {
	return t.run(ctx, "cwebp", "-quiet", "-q", "90", in, "-o", out)
}

// pdfToJPGs renders every page as <prefix>-<n>.jpg and returns the pages
// in order.
func (t toolRunner) pdfToJPGs(ctx context.Context, in, prefix string) ([]string, error) {
	if err := t.run(ctx, "pdftoppm", "-jpeg", "-r", "150", in, prefix); err != nil {
		return nil, err
	}
	pages, err := filepath.Glob(globEscape(prefix) + "-*.jpg")
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages for %s", in)
	}
	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order
	slices.Sort(pages)
	return pages, nil
}

func (t toolRunner) jpgsToPDF(ctx context.Context, ins []string, out string) error {
	args := append(slices.Clone(ins), "-o", out)
	return t.run(ctx, "img2pdf", args...)
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// ProgressWriter wraps a writer and reports bytes written against the
// expected total.
type ProgressWriter struct {
	Writer io.Writer
	// Total is the Content-Length, or -1 when unknown
	Total   int64
	Written int64
	// OnUpdate is called after every Write
	OnUpdate func(written, total int64)
}

// Write implements io.Writer
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.Written += int64(n)
	if pw.OnUpdate != nil {
		pw.OnUpdate(pw.Written, pw.Total)
	}
	return n, err
}

// statusError is an HTTP failure. Client errors are not worth retrying.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.status)
}

func (e *statusError) permanent() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}

// httpFetcher streams a URL straight to disk
type httpFetcher struct {
	client    *http.Client
	userAgent string
}

// Fetch implements Fetcher. The body is written to a .part file that is
// renamed into place once complete.
func (f *httpFetcher) Fetch(ctx context.Context, req Request, report func(float64)) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, status: resp.Status}
	}

	name := req.Filename
	if name == "" {
		name = filenameFromURL(req.URL)
	}
	dest := filepath.Join(req.Directory, name)
	part := dest + ".part"

	file, err := os.Create(part)
	if err != nil {
		return "", err
	}

	writer := &ProgressWriter{
		Writer: file,
		Total:  resp.ContentLength,
		OnUpdate: func(written, total int64) {
			if total > 0 {
				report(float64(written) / float64(total) * 100)
			}
		},
	}
	_, copyErr := io.Copy(writer, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		os.Remove(part)
		return "", copyErr
	}
	if closeErr != nil {
		os.Remove(part)
		return "", closeErr
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return "", err
	}
	return dest, nil
}

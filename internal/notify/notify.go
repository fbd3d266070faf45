// Package notify raises desktop notifications when jobs finish.
package notify

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/logging"
)

// SendFunc shows one notification
type SendFunc func(title, message string) error

// Desktop sends through the OS notification service
func Desktop(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Notifier turns JOB_COMPLETED events into notifications
type Notifier struct {
	send   SendFunc
	logger *logrus.Entry
}

// New creates a notifier. A nil send uses Desktop.
func New(send SendFunc) *Notifier {
	if send == nil {
		send = Desktop
	}
	return &Notifier{send: send, logger: logging.NewLogger("notify")}
}

// Run consumes sub until ctx is done or the subscription closes
func (n *Notifier) Run(ctx context.Context, sub *events.Subscription) {
	for e := range sub.Events(ctx) {
		if e.Kind != events.JobCompleted {
			continue
		}
		job, ok := e.Payload.(jobs.Job)
		if !ok {
			continue
		}
		title, message, ok := Format(job)
		if !ok {
			continue
		}
		if err := n.send(title, message); err != nil {
			n.logger.WithError(err).WithField("job_id", job.ID).Debug("Failed to send notification")
		}
	}
}

// Format renders the notification for a finished job. Cancelled jobs are
// not announced.
func Format(job jobs.Job) (title, message string, ok bool) {
	var what string
	switch job.Kind {
	case jobs.KindDownload:
		what = "Download"
	case jobs.KindConvert:
		what = "Conversion"
	default:
		what = "Job"
	}

	switch job.Status {
	case jobs.StatusSucceeded:
		title = what + " finished"
		message = subject(job)
		if job.Result != nil && len(job.Result.Outputs) > 1 {
			message = fmt.Sprintf("%d files written", len(job.Result.Outputs))
		} else if job.Result != nil && len(job.Result.Outputs) == 1 {
			message = filepath.Base(job.Result.Outputs[0])
		}
	case jobs.StatusFailed:
		title = what + " failed"
		message = job.Error
		if s := subject(job); s != "" {
			message = s + ": " + job.Error
		}
	default:
		return "", "", false
	}
	return title, message, true
}

// subject names what the job worked on
func subject(job jobs.Job) string {
	switch p := job.Params.(type) {
	case jobs.DownloadParams:
		return p.URL
	case jobs.ConvertParams:
		if len(p.Paths) == 1 {
			return filepath.Base(p.Paths[0])
		}
		return fmt.Sprintf("%d files", len(p.Paths))
	}
	return ""
}

package domain

import (
	"fmt"
	"math"
	"time"
)

// Progress is the user facing view of a job's counters.
type Progress struct {
	Percentage int            `json:"percentage"`
	Phase      string         `json:"phase"`
	ETA        *time.Duration `json:"-"`
	ETAText    string         `json:"eta,omitempty"`
	Processed  int            `json:"processed"`
	Total      int            `json:"total"`
}

// CalculateProgress derives percentage, phase and ETA from a job at now.
func CalculateProgress(job *Job, now time.Time) Progress {
	p := Progress{
		Processed: job.ProcessedMessages,
		Total:     job.TotalMessages,
	}

	switch {
	case job.Status == JobStatusCompleted:
		p.Percentage = 100
	case job.TotalMessages > 0:
		pct := math.Round(float64(job.ProcessedMessages) / float64(job.TotalMessages) * 100)
		p.Percentage = int(math.Min(100, pct))
	}

	p.Phase = phaseFor(job.Status, p.Percentage)

	if eta := estimateRemaining(job, now); eta != nil {
		p.ETA = eta
		p.ETAText = FormatETA(*eta)
	}
	return p
}

// estimateRemaining uses the post-resume rate when the job was resumed so
// the time spent before the interruption does not skew the estimate.
func estimateRemaining(job *Job, now time.Time) *time.Duration {
	if job.Status != JobStatusRunning || job.ProcessedMessages <= 0 {
		return nil
	}

	var done int
	var since *time.Time
	if job.ResumedAt != nil {
		done = job.ProcessedMessages - job.ProcessedAtResume
		since = job.ResumedAt
	} else {
		done = job.ProcessedMessages
		since = job.StartedAt
	}
	if since == nil || done <= 0 {
		return nil
	}

	elapsed := now.Sub(*since).Seconds()
	if elapsed <= 0 {
		return nil
	}
	rate := float64(done) / elapsed
	if rate <= 0 {
		return nil
	}

	remaining := job.TotalMessages - job.ProcessedMessages
	if remaining < 0 {
		remaining = 0
	}
	eta := time.Duration(float64(remaining) / rate * float64(time.Second)).Round(time.Second)
	return &eta
}

func phaseFor(status JobStatus, pct int) string {
	switch status {
	case JobStatusPending:
		return "Waiting to start"
	case JobStatusPaused:
		return "Paused"
	case JobStatusCancelled:
		return "Cancelled"
	case JobStatusFailed:
		return "Failed"
	case JobStatusCompleted:
		return "Complete"
	}

	switch {
	case pct < 5:
		return "Starting"
	case pct < 25:
		return "Fetching messages"
	case pct < 75:
		return "Syncing messages"
	case pct < 100:
		return "Finishing up"
	default:
		return "Finalizing"
	}
}

// FormatETA renders a duration as "1h 5m", "4m 10s" or "42s".
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a bulk job.
type JobStatus string

const (
	JobStatusScheduled             JobStatus = "scheduled"
	JobStatusPending               JobStatus = "pending"
	JobStatusInProgress            JobStatus = "in_progress"
	JobStatusFinished              JobStatus = "finished"
	JobStatusError                 JobStatus = "error"
	JobStatusCancelled             JobStatus = "cancelled"
	JobStatusSendingLimitsExceeded JobStatus = "sending-limits-exceeded"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusScheduled, JobStatusPending, JobStatusInProgress, JobStatusFinished,
		JobStatusError, JobStatusCancelled, JobStatusSendingLimitsExceeded:
		return true
	}
	return false
}

func ParseJobStatusFromString(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job status %q", ErrValidation, s)
	}
	return st, nil
}

// Job is one uploaded recipient list fanned out into notifications.
type Job struct {
	ID                 string
	ServiceID          string
	TemplateID         string
	TemplateVersion    int
	OriginalFileName   string
	NotificationCount  int
	Status             JobStatus
	ScheduledFor       *time.Time
	ProcessingStarted  *time.Time
	ProcessingFinished *time.Time
	Archived           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MissingRows returns the row numbers in [0, NotificationCount) not present in seen.
func (j Job) MissingRows(seen []int) []int {
	present := make(map[int]struct{}, len(seen))
	for _, row := range seen {
		present[row] = struct{}{}
	}

	missing := make([]int, 0)
	for row := 0; row < j.NotificationCount; row++ {
		if _, ok := present[row]; !ok {
			missing = append(missing, row)
		}
	}
	return missing
}

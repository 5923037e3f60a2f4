package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"go.uber.org/zap"
)

// ScheduleDue claims due scheduled jobs and enqueues their processing.
func (j *JobIngestor) ScheduleDue(ctx context.Context) error {
	jobs, err := j.ClaimDueJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to claim due jobs: %w", err)
	}

	for _, job := range jobs {
		if err := j.enqueuer.Enqueue(ctx, j.tasks.ProcessJob, JobPayload{JobID: job.ID}); err != nil {
			j.logger.Error("failed to enqueue job processing",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ResumeStalled marks jobs stuck in progress as errored and enqueues a resume.
func (j *JobIngestor) ResumeStalled(ctx context.Context) error {
	stalled, err := j.jobs.ForceErrorStalled(ctx, j.now().Add(-j.stallWindow), j.claimLimit)
	if err != nil {
		return fmt.Errorf("failed to mark stalled jobs: %w", err)
	}

	for _, job := range stalled {
		j.logger.Warn("job stalled, resuming",
			zap.String("jobId", job.ID),
			zap.Timep("processingStarted", job.ProcessingStarted),
		)
		if err := j.enqueuer.Enqueue(ctx, j.tasks.ResumeJob, JobPayload{JobID: job.ID}); err != nil {
			j.logger.Error("failed to enqueue job resume",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// AuditCompleteness re-emits the rows missing from finished jobs.
func (j *JobIngestor) AuditCompleteness(ctx context.Context) error {
	now := j.now()
	jobs, err := j.jobs.FindFinishedBetween(ctx, now.Add(-j.auditWindow), now.Add(-j.auditMinAge))
	if err != nil {
		return fmt.Errorf("failed to find finished jobs: %w", err)
	}

	for i := range jobs {
		if err := j.auditJob(ctx, &jobs[i]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.logger.Error("job completeness audit failed",
				zap.String("jobId", jobs[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (j *JobIngestor) auditJob(ctx context.Context, job *domain.Job) error {
	count, err := j.notifications.CountByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if count == int64(job.NotificationCount) {
		return nil
	}

	seen, err := j.notifications.JobRowNumbers(ctx, job.ID)
	if err != nil {
		return err
	}
	missing := job.MissingRows(seen)
	if len(missing) == 0 {
		return nil
	}

	rows, tmpl, err := j.loadRows(ctx, job)
	if err != nil {
		return err
	}

	logger := j.logger.With(zap.String("jobId", job.ID))
	emitted := j.emit(ctx, logger, job, tmpl, rowsIn(rows, missing))
	logger.Warn("job incomplete, re-emitted missing rows",
		zap.Int64("stored", count),
		zap.Int("expected", job.NotificationCount),
		zap.Int("missing", len(missing)),
		zap.Int("emitted", emitted),
	)
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/ratelimit"
	"github.com/kursadbilgin/notify-pipeline/internal/recipients"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/kursadbilgin/notify-pipeline/internal/templating"
	"go.uber.org/zap"
)

// RecipientLists opens the uploaded recipient list of a job.
type RecipientLists interface {
	Open(ctx context.Context, serviceID, jobID string) (io.ReadCloser, error)
}

// JobIngestor fans uploaded recipient lists out into persist tasks.
type JobIngestor struct {
	jobs          repository.JobRepository
	notifications repository.NotificationRepository
	lookups       *Lookups
	lists         RecipientLists
	usage         ratelimit.UsageCounter
	enqueuer      task.Enqueuer
	tasks         Tasks
	logger        *zap.Logger
	now           func() time.Time

	claimLimit  int
	stallWindow time.Duration
	auditMinAge time.Duration
	auditWindow time.Duration
}

// JobIngestorConfig tunes the periodic job scans.
type JobIngestorConfig struct {
	ClaimLimit  int
	StallWindow time.Duration
	AuditMinAge time.Duration
	// AuditWindow bounds how far back the completeness audit looks.
	AuditWindow time.Duration
}

func NewJobIngestor(
	jobs repository.JobRepository,
	notifications repository.NotificationRepository,
	lookups *Lookups,
	lists RecipientLists,
	usage ratelimit.UsageCounter,
	enqueuer task.Enqueuer,
	tasks Tasks,
	cfg JobIngestorConfig,
	logger *zap.Logger,
) (*JobIngestor, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if lookups == nil {
		return nil, fmt.Errorf("lookups are required")
	}
	if lists == nil {
		return nil, fmt.Errorf("recipient list store is required")
	}
	if usage == nil {
		return nil, fmt.Errorf("usage counter is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("task enqueuer is required")
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 100
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 30 * time.Minute
	}
	if cfg.AuditMinAge <= 0 {
		cfg.AuditMinAge = 30 * time.Minute
	}
	if cfg.AuditWindow <= cfg.AuditMinAge {
		cfg.AuditWindow = cfg.AuditMinAge + 24*time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobIngestor{
		jobs:          jobs,
		notifications: notifications,
		lookups:       lookups,
		lists:         lists,
		usage:         usage,
		enqueuer:      enqueuer,
		tasks:         tasks,
		logger:        logger,
		now:           time.Now,
		claimLimit:    cfg.ClaimLimit,
		stallWindow:   cfg.StallWindow,
		auditMinAge:   cfg.AuditMinAge,
		auditWindow:   cfg.AuditWindow,
	}, nil
}

// Register binds the process and resume tasks.
func (j *JobIngestor) Register(r *task.Registry) error {
	if err := r.Register(j.tasks.ProcessJob, func(ctx context.Context, tc task.Context) error {
		var p JobPayload
		if err := decode(tc, &p); err != nil {
			return err
		}
		return j.Ingest(ctx, p.JobID)
	}); err != nil {
		return err
	}

	return r.Register(j.tasks.ResumeJob, func(ctx context.Context, tc task.Context) error {
		var p JobPayload
		if err := decode(tc, &p); err != nil {
			return err
		}
		return j.Resume(ctx, p.JobID)
	})
}

// ClaimDueJobs moves every due scheduled job to pending and returns them.
func (j *JobIngestor) ClaimDueJobs(ctx context.Context) ([]domain.Job, error) {
	return j.jobs.ClaimDueScheduled(ctx, j.now(), j.claimLimit)
}

// Ingest fans a pending job out into one persist task per row. A job that is
// no longer pending is left alone.
func (j *JobIngestor) Ingest(ctx context.Context, jobID string) error {
	logger := observability.WithContextLogger(j.logger, ctx).With(zap.String("jobId", jobID))

	job, started, err := j.jobs.StartProcessing(ctx, jobID, func(job domain.Job) (domain.JobStatus, error) {
		return j.decideStart(ctx, job)
	})
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("job not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}
	if !started {
		logger.Info("job is no longer pending, skipping", zap.String("jobStatus", job.Status.String()))
		return nil
	}
	if job.Status != domain.JobStatusInProgress {
		logger.Warn("job not started", zap.String("jobStatus", job.Status.String()))
		return nil
	}

	rows, tmpl, err := j.loadRows(ctx, job)
	if err != nil {
		return err
	}

	emitted := j.emit(ctx, logger, job, tmpl, rows)
	if err := j.jobs.MarkFinished(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}

	logger.Info("job processed", zap.Int("rows", len(rows)), zap.Int("emitted", emitted))
	return nil
}

func (j *JobIngestor) decideStart(ctx context.Context, job domain.Job) (domain.JobStatus, error) {
	svc, err := j.lookups.Service(ctx, job.ServiceID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.JobStatusCancelled, nil
	}
	if err != nil {
		return "", err
	}
	if !svc.Active {
		return domain.JobStatusCancelled, nil
	}

	if svc.MessageLimit > 0 {
		used, err := j.usage.Count(ctx, svc.ID)
		if err != nil {
			return "", err
		}
		if used+int64(job.NotificationCount) > svc.MessageLimit {
			return domain.JobStatusSendingLimitsExceeded, nil
		}
	}
	return domain.JobStatusInProgress, nil
}

// Resume re-emits the rows of an errored job after the last stored row.
func (j *JobIngestor) Resume(ctx context.Context, jobID string) error {
	logger := observability.WithContextLogger(j.logger, ctx).With(zap.String("jobId", jobID))

	job, err := j.jobs.ClaimForResume(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		logger.Info("job cannot be resumed, skipping", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim job %s for resume: %w", jobID, err)
	}

	highest, found, err := j.notifications.MaxJobRowNumber(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to read last row of job %s: %w", job.ID, err)
	}

	rows, tmpl, err := j.loadRows(ctx, job)
	if err != nil {
		return err
	}
	if found {
		rows = rowsAfter(rows, highest)
	}

	emitted := j.emit(ctx, logger, job, tmpl, rows)
	if err := j.jobs.MarkFinished(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}

	logger.Info("job resumed", zap.Bool("partial", found), zap.Int("emitted", emitted))
	return nil
}

func (j *JobIngestor) loadRows(ctx context.Context, job *domain.Job) ([]recipients.Row, *domain.Template, error) {
	tmpl, err := j.lookups.Template(ctx, job.TemplateID, job.TemplateVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load template of job %s: %w", job.ID, err)
	}

	body, err := j.lists.Open(ctx, job.ServiceID, job.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open recipient list of job %s: %w", job.ID, err)
	}
	defer body.Close()

	placeholders := templating.Placeholders(tmpl.Content)
	if tmpl.Type == domain.TypeEmail {
		placeholders = append(placeholders, templating.Placeholders(tmpl.Subject)...)
	}

	rows, err := recipients.ParseCSV(body, tmpl.Type, placeholders)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse recipient list of job %s: %w", job.ID, err)
	}
	return rows, tmpl, nil
}

// emit enqueues one persist task per row and returns how many were accepted.
// Rows that fail to enqueue are left for the completeness audit.
func (j *JobIngestor) emit(ctx context.Context, logger *zap.Logger, job *domain.Job, tmpl *domain.Template, rows []recipients.Row) int {
	save, err := j.tasks.Save(tmpl.Type)
	if err != nil {
		logger.Error("no persist task for template channel", zap.Error(err))
		return 0
	}

	emitted := 0
	for _, row := range rows {
		jobID := job.ID
		index := row.Index
		item := WorkItem{
			NotificationID:  uuid.NewString(),
			ServiceID:       job.ServiceID,
			TemplateID:      tmpl.ID,
			TemplateVersion: tmpl.Version,
			Recipient:       row.Recipient,
			Personalisation: row.Personalisation,
			JobID:           &jobID,
			RowNumber:       &index,
			KeyType:         domain.KeyTypeNormal,
			CreatedAt:       j.now().UTC(),
		}
		if err := j.enqueuer.Enqueue(ctx, save, item); err != nil {
			logger.Error("failed to enqueue job row", zap.Int("row", row.Index), zap.Error(err))
			continue
		}
		emitted++
	}
	return emitted
}

func rowsAfter(rows []recipients.Row, highest int) []recipients.Row {
	out := make([]recipients.Row, 0, len(rows))
	for _, row := range rows {
		if row.Index > highest {
			out = append(out, row)
		}
	}
	return out
}

func rowsIn(rows []recipients.Row, wanted []int) []recipients.Row {
	set := make(map[int]struct{}, len(wanted))
	for _, idx := range wanted {
		set[idx] = struct{}{}
	}

	out := make([]recipients.Row, 0, len(wanted))
	for _, row := range rows {
		if _, ok := set[row.Index]; ok {
			out = append(out, row)
		}
	}
	return out
}

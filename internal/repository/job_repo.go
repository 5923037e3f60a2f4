package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StartDecision picks the status a pending job moves to when processing starts.
type StartDecision func(job domain.Job) (domain.JobStatus, error)

type JobRepository interface {
	Create(ctx context.Context, j *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	StartProcessing(ctx context.Context, id string, decide StartDecision) (*domain.Job, bool, error)
	ClaimForResume(ctx context.Context, id string) (*domain.Job, error)
	MarkFinished(ctx context.Context, id string) error
	ForceErrorStalled(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error)
	FindFinishedBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Job, error)
}

type GormJobRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db, now: time.Now}
}

func (r *GormJobRepo) Create(ctx context.Context, j *domain.Job) error {
	model := jobModelFromDomain(j)
	if model == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*j = *jobModelToDomain(model)
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

// ClaimDueScheduled locks due scheduled jobs and flips them to pending in one
// transaction. Rows locked by a concurrent claimer are skipped.
func (r *GormJobRepo) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit < 1 {
		limit = 100
	}

	var claimed []JobModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("job_status = ? AND scheduled_for <= ?", domain.JobStatusScheduled, now.UTC()).
			Order("scheduled_for ASC").
			Limit(limit).
			Find(&claimed).Error
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, 0, len(claimed))
		for _, j := range claimed {
			ids = append(ids, j.ID)
		}

		stamp := r.now().UTC()
		err = tx.Model(&JobModel{}).
			Where("id IN ? AND job_status = ?", ids, domain.JobStatusScheduled).
			Updates(map[string]any{"job_status": domain.JobStatusPending, "updated_at": stamp}).Error
		if err != nil {
			return err
		}

		for i := range claimed {
			claimed[i].JobStatus = domain.JobStatusPending
			claimed[i].UpdatedAt = stamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobsToDomain(claimed), nil
}

// StartProcessing locks a pending job and moves it to the status chosen by
// decide. started is false when the job was no longer pending.
func (r *GormJobRepo) StartProcessing(ctx context.Context, id string, decide StartDecision) (*domain.Job, bool, error) {
	var (
		result  *domain.Job
		started bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model JobModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if model.JobStatus != domain.JobStatusPending {
			result = jobModelToDomain(&model)
			return nil
		}

		next, err := decide(*jobModelToDomain(&model))
		if err != nil {
			return err
		}
		if !next.IsValid() {
			return fmt.Errorf("%w: invalid job status %q", domain.ErrValidation, next)
		}

		stamp := r.now().UTC()
		updates := map[string]any{"job_status": next, "updated_at": stamp}
		if next == domain.JobStatusInProgress {
			updates["processing_started"] = stamp
			model.ProcessingStarted = &stamp
		}
		if err := tx.Model(&JobModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		model.JobStatus = next
		model.UpdatedAt = stamp
		result = jobModelToDomain(&model)
		started = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, started, nil
}

// ClaimForResume moves an errored job back to in_progress and restarts its
// stall clock. It returns domain.ErrConflict when the job is in any other status.
func (r *GormJobRepo) ClaimForResume(ctx context.Context, id string) (*domain.Job, error) {
	stamp := r.now().UTC()
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND job_status = ?", id, domain.JobStatusError).
		Updates(map[string]any{
			"job_status":         domain.JobStatusInProgress,
			"processing_started": stamp,
			"updated_at":         stamp,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrConflict
	}
	return r.GetByID(ctx, id)
}

func (r *GormJobRepo) MarkFinished(ctx context.Context, id string) error {
	stamp := r.now().UTC()
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND job_status IN ?", id, []domain.JobStatus{domain.JobStatusInProgress, domain.JobStatusError}).
		Updates(map[string]any{
			"job_status":          domain.JobStatusFinished,
			"processing_finished": stamp,
			"updated_at":          stamp,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ForceErrorStalled marks in-progress jobs started before startedBefore as
// errored and returns them.
func (r *GormJobRepo) ForceErrorStalled(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error) {
	if limit < 1 {
		limit = 100
	}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("job_status = ? AND processing_started < ?", domain.JobStatusInProgress, startedBefore.UTC()).
		Order("processing_started ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var models []JobModel
	err = r.db.WithContext(ctx).
		Model(&models).
		Clauses(clause.Returning{}).
		Where("id IN ? AND job_status = ?", ids, domain.JobStatusInProgress).
		Updates(map[string]any{"job_status": domain.JobStatusError, "updated_at": r.now().UTC()}).Error
	if err != nil {
		return nil, err
	}
	return jobsToDomain(models), nil
}

func (r *GormJobRepo) FindFinishedBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("job_status = ? AND processing_finished >= ? AND processing_finished < ?",
			domain.JobStatusFinished, from.UTC(), to.UTC()).
		Order("processing_finished ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return jobsToDomain(models), nil
}

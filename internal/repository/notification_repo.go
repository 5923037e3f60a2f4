package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TechnicalFailureResponse is the provider response recorded when no receipt arrived.
const TechnicalFailureResponse = "Technical Failure"

// TransitionRequest asks for a status change with optional provider details.
type TransitionRequest struct {
	Status           domain.Status
	ProviderResponse *string
	Carrier          *string
	// Source defaults to a provider receipt.
	Source domain.TransitionSource
}

// TransitionResult describes what a transition did to the stored row.
type TransitionResult struct {
	Notification *domain.Notification
	Previous     domain.Status
	Changed      bool
	Reason       domain.TransitionReason
}

// SentDetails records a provider's acceptance of a notification.
type SentDetails struct {
	Reference     string
	Provider      string
	SentAt        time.Time
	BillableUnits int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByReference(ctx context.Context, reference string) (*domain.Notification, error)
	ClaimForDelivery(ctx context.Context, id string, attempt int) (*domain.Notification, error)
	MarkSent(ctx context.Context, id string, details SentDetails) error
	Transition(ctx context.Context, id string, req TransitionRequest) (*TransitionResult, error)
	TransitionByReference(ctx context.Context, reference string, req TransitionRequest) (*TransitionResult, error)
	BulkTransitionByReference(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error)
	KnownReferences(ctx context.Context, references []string) ([]string, error)
	MaxJobRowNumber(ctx context.Context, jobID string) (int, bool, error)
	JobRowNumbers(ctx context.Context, jobID string) ([]int, error)
	CountByJob(ctx context.Context, jobID string) (int64, error)
	TimeoutPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

type GormNotificationRepo struct {
	db     *gorm.DB
	policy domain.TransitionPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB, policy domain.TransitionPolicy, logger *zap.Logger) *GormNotificationRepo {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GormNotificationRepo{
		db:     db,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Create stores n in redacted form; only auth-code templates keep their code.
// An existing row with the same id is
// returned untouched and created is false.
func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	if n == nil {
		return nil, false, fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if err := n.Validate(); err != nil {
		return nil, false, err
	}

	c := *n
	domain.Redact(&c, c.AuthCodeTemplate)
	if c.Status == "" {
		c.Status = domain.StatusCreated
	}
	if c.KeyType == "" {
		c.KeyType = domain.KeyTypeNormal
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}

	model, err := notificationModelFromDomain(&c)
	if err != nil {
		return nil, false, fmt.Errorf("encode personalisation: %w", err)
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	stored, err := r.GetByID(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, result.RowsAffected == 1, nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) GetByReference(ctx context.Context, reference string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

// ClaimForDelivery moves the notification to sending for the given attempt.
// It returns nil when another copy of the same attempt already claimed it.
func (r *GormNotificationRepo) ClaimForDelivery(ctx context.Context, id string, attempt int) (*domain.Notification, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ? AND reference IS NULL AND delivery_attempt < ?",
			id, []domain.Status{domain.StatusCreated, domain.StatusSending}, attempt).
		Updates(map[string]any{
			"status":           domain.StatusSending,
			"delivery_attempt": attempt,
			"updated_at":       r.now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

func (r *GormNotificationRepo) MarkSent(ctx context.Context, id string, details SentDetails) error {
	sentAt := details.SentAt
	if sentAt.IsZero() {
		sentAt = r.now()
	}

	updates := map[string]any{
		"reference":  details.Reference,
		"sent_by":    details.Provider,
		"sent_at":    sentAt.UTC(),
		"updated_at": r.now().UTC(),
	}
	if details.BillableUnits > 0 {
		updates["billable_units"] = details.BillableUnits
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND reference IS NULL", id, domain.StatusSending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) Transition(ctx context.Context, id string, req TransitionRequest) (*TransitionResult, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, current, req)
}

func (r *GormNotificationRepo) TransitionByReference(ctx context.Context, reference string, req TransitionRequest) (*TransitionResult, error) {
	current, err := r.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, current, req)
}

func (r *GormNotificationRepo) apply(ctx context.Context, current *domain.Notification, req TransitionRequest) (*TransitionResult, error) {
	if !req.Status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, req.Status)
	}

	target, reason := r.policy.Resolve(*current, req.Status, req.Source)
	result := &TransitionResult{
		Notification: current,
		Previous:     current.Status,
		Reason:       reason,
	}
	if !reason.Changes() {
		r.logSkipped(current, req.Status, reason)
		return result, nil
	}

	now := r.now().UTC()
	updates := map[string]any{
		"status":     target,
		"updated_at": now,
	}
	if req.ProviderResponse != nil {
		updates["provider_response"] = *req.ProviderResponse
	}
	if req.Carrier != nil {
		updates["carrier"] = *req.Carrier
	}

	res := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", current.ID, current.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		// Another writer moved the row after it was read.
		fresh, err := r.GetByID(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		result.Notification = fresh
		result.Reason = domain.TransitionDuplicate
		r.logSkipped(fresh, req.Status, domain.TransitionDuplicate)
		return result, nil
	}

	updated := *current
	updated.Status = target
	updated.UpdatedAt = &now
	if req.ProviderResponse != nil {
		updated.ProviderResponse = req.ProviderResponse
	}
	if req.Carrier != nil {
		updated.Carrier = req.Carrier
	}

	result.Notification = &updated
	result.Changed = true
	return result, nil
}

func (r *GormNotificationRepo) logSkipped(n *domain.Notification, requested domain.Status, reason domain.TransitionReason) {
	r.logger.Info("status update skipped",
		zap.String("notificationId", n.ID),
		zap.String("oldStatus", n.Status.String()),
		zap.String("newStatus", requested.String()),
		zap.String("reason", string(reason)),
		zap.Duration("sinceLastUpdate", r.now().Sub(n.LastUpdated())),
	)
}

// BulkTransitionByReference applies one receipt outcome to many references in
// a single statement and returns the rows that actually changed. Rows in
// suppressed countries are skipped whatever the outcome.
func (r *GormNotificationRepo) BulkTransitionByReference(ctx context.Context, references []string, status domain.Status, providerResponse string) ([]domain.Notification, error) {
	if len(references) == 0 {
		return nil, nil
	}
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, status)
	}

	var target any = status
	if status == domain.StatusPermanentFailure {
		target = gorm.Expr("CASE WHEN status = ? THEN ? ELSE ? END",
			domain.StatusPending, domain.StatusTemporaryFailure, domain.StatusPermanentFailure)
	}

	updates := map[string]any{
		"status":     target,
		"updated_at": r.now().UTC(),
	}
	if providerResponse != "" {
		updates["provider_response"] = providerResponse
	}

	query := r.db.WithContext(ctx).
		Where("reference IN ? AND status IN ?", references, domain.OpenStatuses)

	if prefixes := r.suppressedPrefixes(); len(prefixes) > 0 {
		query = query.Where("NOT (notification_type = ? AND international = ? AND phone_prefix IN ?)",
			domain.TypeSMS, true, prefixes)
	}

	var models []NotificationModel
	if err := query.Model(&models).Clauses(clause.Returning{}).Updates(updates).Error; err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

// KnownReferences returns the subset of references that belong to a stored
// notification, whatever its status.
func (r *GormNotificationRepo) KnownReferences(ctx context.Context, references []string) ([]string, error) {
	if len(references) == 0 {
		return nil, nil
	}

	var known []string
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("reference IN ?", references).
		Pluck("reference", &known).Error
	if err != nil {
		return nil, err
	}
	return known, nil
}

func (r *GormNotificationRepo) suppressedPrefixes() []string {
	prefixes := make([]string, 0, len(r.policy.NoReceiptPrefixes))
	for p := range r.policy.NoReceiptPrefixes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

// MaxJobRowNumber returns the highest persisted row of a job. ok is false
// when the job has no notifications yet.
func (r *GormNotificationRepo) MaxJobRowNumber(ctx context.Context, jobID string) (int, bool, error) {
	var highest sql.NullInt64
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("MAX(job_row_number)").
		Where("job_id = ?", jobID).
		Row().
		Scan(&highest)
	if err != nil {
		return 0, false, err
	}
	if !highest.Valid {
		return 0, false, nil
	}
	return int(highest.Int64), true, nil
}

func (r *GormNotificationRepo) JobRowNumbers(ctx context.Context, jobID string) ([]int, error) {
	var rows []int
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("job_id = ? AND job_row_number IS NOT NULL", jobID).
		Order("job_row_number ASC").
		Pluck("job_row_number", &rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *GormNotificationRepo) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("job_id = ?", jobID).
		Count(&count).Error
	return count, err
}

// TimeoutPending fails notifications still awaiting a receipt after olderThan.
func (r *GormNotificationRepo) TimeoutPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 1000
	}

	waiting := []domain.Status{domain.StatusSending, domain.StatusPending}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("status IN ? AND created_at < ?", waiting, olderThan.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var models []NotificationModel
	err = r.db.WithContext(ctx).
		Model(&models).
		Clauses(clause.Returning{}).
		Where("id IN ? AND status IN ?", ids, waiting).
		Updates(map[string]any{
			"status":            domain.StatusFailed,
			"provider_response": TechnicalFailureResponse,
			"updated_at":        r.now().UTC(),
		}).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

// ArchiveBefore moves terminal notifications created before cutoff into
// notification_history, batchSize rows per transaction, until none remain.
func (r *GormNotificationRepo) ArchiveBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		batchSize = 500
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		moved, err := r.archiveBatch(ctx, cutoff.UTC(), batchSize)
		if err != nil {
			return total, err
		}
		total += moved
		if moved == 0 {
			return total, nil
		}
	}
}

func (r *GormNotificationRepo) archiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	moved := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []NotificationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ? AND created_at < ?", domain.TerminalStatuses, cutoff).
			Order("created_at ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		history := make([]NotificationHistoryModel, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, m := range batch {
			history = append(history, NotificationHistoryModel{NotificationModel: m})
			ids = append(ids, m.ID)
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&history).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&NotificationModel{}).Error; err != nil {
			return err
		}

		moved = len(batch)
		return nil
	})
	return moved, err
}

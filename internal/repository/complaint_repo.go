package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ComplaintRepository interface {
	Create(ctx context.Context, c *domain.Complaint) (*domain.Complaint, bool, error)
}

type GormComplaintRepo struct {
	db *gorm.DB
}

func NewGormComplaintRepo(db *gorm.DB) *GormComplaintRepo {
	return &GormComplaintRepo{db: db}
}

// Create stores c unless a complaint with the same feedback id exists, in
// which case the stored complaint is returned and created is false.
func (r *GormComplaintRepo) Create(ctx context.Context, c *domain.Complaint) (*domain.Complaint, bool, error) {
	if c == nil || strings.TrimSpace(c.FeedbackID) == "" {
		return nil, false, fmt.Errorf("%w: feedback id is required", domain.ErrValidation)
	}

	model := ComplaintModel{
		ID:             c.ID,
		NotificationID: c.NotificationID,
		ServiceID:      c.ServiceID,
		FeedbackID:     c.FeedbackID,
		ComplaintType:  c.ComplaintType,
		ComplaintDate:  c.ComplaintDate,
		CreatedAt:      c.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "feedback_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	var stored ComplaintModel
	err := r.db.WithContext(ctx).Where("feedback_id = ?", c.FeedbackID).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, domain.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	return &domain.Complaint{
		ID:             stored.ID,
		NotificationID: stored.NotificationID,
		ServiceID:      stored.ServiceID,
		FeedbackID:     stored.FeedbackID,
		ComplaintType:  stored.ComplaintType,
		ComplaintDate:  stored.ComplaintDate,
		CreatedAt:      stored.CreatedAt,
	}, result.RowsAffected == 1, nil
}

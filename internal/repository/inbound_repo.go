package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"gorm.io/gorm"
)

type InboundSMSRepository interface {
	Create(ctx context.Context, m *domain.InboundSMS) error
	GetByID(ctx context.Context, id string) (*domain.InboundSMS, error)
}

type GormInboundSMSRepo struct {
	db *gorm.DB
}

func NewGormInboundSMSRepo(db *gorm.DB) *GormInboundSMSRepo {
	return &GormInboundSMSRepo{db: db}
}

func (r *GormInboundSMSRepo) Create(ctx context.Context, m *domain.InboundSMS) error {
	model := InboundSMSModel{
		ID:           m.ID,
		ServiceID:    m.ServiceID,
		UserNumber:   m.UserNumber,
		NotifyNumber: m.NotifyNumber,
		Content:      m.Content,
		ProviderDate: m.ProviderDate.UTC(),
		CreatedAt:    m.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	m.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormInboundSMSRepo) GetByID(ctx context.Context, id string) (*domain.InboundSMS, error) {
	var model InboundSMSModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.InboundSMS{
		ID:           model.ID,
		ServiceID:    model.ServiceID,
		UserNumber:   model.UserNumber,
		NotifyNumber: model.NotifyNumber,
		Content:      model.Content,
		ProviderDate: model.ProviderDate,
		CreatedAt:    model.CreatedAt,
	}, nil
}

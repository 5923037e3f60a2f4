package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"gorm.io/gorm"
)

// ServiceRepository reads the service configuration owned by the admin side.
type ServiceRepository interface {
	GetService(ctx context.Context, id string) (*domain.Service, error)
	GetTemplate(ctx context.Context, id string, version int) (*domain.Template, error)
	IsSafelisted(ctx context.Context, serviceID string, t domain.NotificationType, recipient string) (bool, error)
	SMSSender(ctx context.Context, serviceID string, senderID string) (string, error)
	EmailReplyTo(ctx context.Context, serviceID string, replyToID string) (string, error)
	CallbackAPI(ctx context.Context, serviceID string, t domain.CallbackType) (*domain.CallbackAPI, error)
	InboundAPI(ctx context.Context, serviceID string) (*domain.InboundAPI, error)
}

type GormServiceRepo struct {
	db *gorm.DB
}

func NewGormServiceRepo(db *gorm.DB) *GormServiceRepo {
	return &GormServiceRepo{db: db}
}

func (r *GormServiceRepo) GetService(ctx context.Context, id string) (*domain.Service, error) {
	var model ServiceModel
	if err := r.first(ctx, &model, "id = ?", id); err != nil {
		return nil, err
	}
	return serviceModelToDomain(&model), nil
}

func (r *GormServiceRepo) GetTemplate(ctx context.Context, id string, version int) (*domain.Template, error) {
	var model TemplateHistoryModel
	if err := r.first(ctx, &model, "id = ? AND version = ?", id, version); err != nil {
		return nil, err
	}
	return templateModelToDomain(&model), nil
}

// IsSafelisted reports whether recipient is on the service's allow list.
// Comparison ignores case for email addresses.
func (r *GormServiceRepo) IsSafelisted(ctx context.Context, serviceID string, t domain.NotificationType, recipient string) (bool, error) {
	var entries []string
	err := r.db.WithContext(ctx).
		Model(&SafelistModel{}).
		Where("service_id = ? AND recipient_type = ?", serviceID, t).
		Pluck("recipient", &entries).Error
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if t == domain.TypeEmail && strings.EqualFold(entry, recipient) {
			return true, nil
		}
		if entry == recipient {
			return true, nil
		}
	}
	return false, nil
}

// SMSSender returns the sender registered under senderID, or the service's
// default sender when senderID is empty.
func (r *GormServiceRepo) SMSSender(ctx context.Context, serviceID string, senderID string) (string, error) {
	var model SMSSenderModel
	query := "service_id = ? AND is_default = ?"
	args := []any{serviceID, true}
	if senderID != "" {
		query = "service_id = ? AND id = ?"
		args = []any{serviceID, senderID}
	}
	if err := r.first(ctx, &model, query, args...); err != nil {
		return "", err
	}
	return model.SMSSender, nil
}

// EmailReplyTo returns the reply-to address registered under replyToID, or the
// service's default when replyToID is empty.
func (r *GormServiceRepo) EmailReplyTo(ctx context.Context, serviceID string, replyToID string) (string, error) {
	var model EmailReplyToModel
	query := "service_id = ? AND is_default = ?"
	args := []any{serviceID, true}
	if replyToID != "" {
		query = "service_id = ? AND id = ?"
		args = []any{serviceID, replyToID}
	}
	if err := r.first(ctx, &model, query, args...); err != nil {
		return "", err
	}
	return model.EmailAddress, nil
}

func (r *GormServiceRepo) CallbackAPI(ctx context.Context, serviceID string, t domain.CallbackType) (*domain.CallbackAPI, error) {
	var model CallbackAPIModel
	if err := r.first(ctx, &model, "service_id = ? AND callback_type = ?", serviceID, t); err != nil {
		return nil, err
	}
	return &domain.CallbackAPI{
		ServiceID:   model.ServiceID,
		URL:         model.URL,
		BearerToken: model.BearerToken,
		Type:        model.CallbackType,
	}, nil
}

func (r *GormServiceRepo) InboundAPI(ctx context.Context, serviceID string) (*domain.InboundAPI, error) {
	var model InboundAPIModel
	if err := r.first(ctx, &model, "service_id = ?", serviceID); err != nil {
		return nil, err
	}
	return &domain.InboundAPI{
		ServiceID:   model.ServiceID,
		URL:         model.URL,
		BearerToken: model.BearerToken,
	}, nil
}

func (r *GormServiceRepo) first(ctx context.Context, dest any, query string, args ...any) error {
	err := r.db.WithContext(ctx).Where(query, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

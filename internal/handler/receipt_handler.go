package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/service"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/kursadbilgin/notify-pipeline/internal/webhook"
	"go.uber.org/zap"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

// MessageVerifier authenticates a signed push message.
type MessageVerifier interface {
	Verify(ctx context.Context, msg *webhook.Message) error
	CheckURL(raw string) error
}

// SubscriptionConfirmer follows a subscription confirmation link.
type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, subscribeURL string) error
}

// ReceiptHandler accepts SES delivery receipts pushed through SNS and hands
// them to the receipt task.
type ReceiptHandler struct {
	verifier  MessageVerifier
	confirmer SubscriptionConfirmer
	enqueuer  task.Enqueuer
	process   task.Descriptor
	logger    *zap.Logger
	now       func() time.Time
}

func NewReceiptHandler(
	verifier MessageVerifier,
	confirmer SubscriptionConfirmer,
	enqueuer task.Enqueuer,
	process task.Descriptor,
	logger *zap.Logger,
) (*ReceiptHandler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("message verifier is required")
	}
	if confirmer == nil {
		return nil, fmt.Errorf("subscription confirmer is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("task enqueuer is required")
	}
	if err := process.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReceiptHandler{
		verifier:  verifier,
		confirmer: confirmer,
		enqueuer:  enqueuer,
		process:   process,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func RegisterReceiptRoutes(router fiber.Router, h *ReceiptHandler) {
	router.Post("/notifications/email/ses", h.SESReceipt)
}

// SESReceipt validates the envelope and signature, then either confirms the
// subscription or queues the inner SES event. Rejections are final for the
// sender, so every structural or signature failure answers 400.
func (h *ReceiptHandler) SESReceipt(c *fiber.Ctx) error {
	ctx := c.UserContext()
	logger := observability.WithContextLogger(h.logger, ctx)

	kind := strings.TrimSpace(c.Get(webhook.HeaderMessageType))
	if !webhook.IsKnownKind(kind) {
		logger.Warn("rejected receipt with unknown message type", zap.String("messageType", kind))
		return reject(c, fmt.Sprintf("unknown message type %q", kind))
	}

	var msg webhook.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		logger.Warn("rejected malformed receipt", zap.Error(err))
		return reject(c, "invalid JSON body")
	}
	if msg.Type != kind {
		return reject(c, fmt.Sprintf("message type %q does not match header", msg.Type))
	}

	logger = logger.With(zap.String("snsMessageId", msg.MessageID), zap.String("messageType", kind))
	if err := h.verifier.Verify(ctx, &msg); err != nil {
		logger.Warn("rejected receipt failing verification", zap.Error(err))
		return reject(c, err.Error())
	}

	switch kind {
	case webhook.KindSubscriptionConfirmation:
		if err := h.verifier.CheckURL(msg.SubscribeURL); err != nil {
			return reject(c, "invalid subscribe url")
		}
		if err := h.confirmer.Confirm(ctx, msg.SubscribeURL); err != nil {
			logger.Error("subscription confirmation failed", zap.Error(err))
			return fiber.NewError(fiber.StatusBadGateway, "subscription confirmation failed")
		}
		logger.Info("subscription confirmed", zap.String("topicArn", msg.TopicArn))
		return accept(c, "subscription confirmed")

	case webhook.KindUnsubscribeConfirmation:
		logger.Info("unsubscribe confirmation received", zap.String("topicArn", msg.TopicArn))
		return accept(c, "unsubscribe acknowledged")
	}

	payload := service.SESResultPayload{
		Message:    msg.Message,
		ReceivedAt: h.receivedAt(msg.Timestamp),
	}
	if err := h.enqueuer.Enqueue(ctx, h.process, payload); err != nil {
		logger.Error("failed to queue ses receipt", zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "receipt could not be queued")
	}

	return accept(c, "ses receipt queued")
}

func (h *ReceiptHandler) receivedAt(raw string) time.Time {
	if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return at.UTC()
	}
	return h.now().UTC()
}

func accept(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"result":  resultSuccess,
		"message": message,
	})
}

func reject(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"result":  resultError,
		"message": message,
	})
}


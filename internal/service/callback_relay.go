package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"go.uber.org/zap"
)

const (
	defaultCallbackTimeout = 5 * time.Second
	defaultInboundTimeout  = 60 * time.Second

	callbackKindStatus    = "delivery_status"
	callbackKindComplaint = "complaint"
	callbackKindInbound   = "inbound_sms"
)

// errCallbackRejected marks a callback the customer endpoint refused.
var errCallbackRejected = errors.New("callback rejected by endpoint")

// CallbackRelay posts status, complaint and inbound SMS events to customer
// endpoints.
type CallbackRelay struct {
	client          *resty.Client
	inbound         repository.InboundSMSRepository
	services        repository.ServiceRepository
	tasks           Tasks
	callbackTimeout time.Duration
	inboundTimeout  time.Duration
	logger          *zap.Logger
	metrics         *observability.Metrics
}

func NewCallbackRelay(
	client *resty.Client,
	inbound repository.InboundSMSRepository,
	services repository.ServiceRepository,
	tasks Tasks,
	callbackTimeout time.Duration,
	inboundTimeout time.Duration,
	logger *zap.Logger,
) (*CallbackRelay, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if inbound == nil {
		return nil, fmt.Errorf("inbound sms repository is required")
	}
	if services == nil {
		return nil, fmt.Errorf("service repository is required")
	}
	if callbackTimeout <= 0 {
		callbackTimeout = defaultCallbackTimeout
	}
	if inboundTimeout <= 0 {
		inboundTimeout = defaultInboundTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")

	return &CallbackRelay{
		client:          client,
		inbound:         inbound,
		services:        services,
		tasks:           tasks,
		callbackTimeout: callbackTimeout,
		inboundTimeout:  inboundTimeout,
		logger:          logger,
	}, nil
}

func (c *CallbackRelay) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// Register binds the three callback tasks.
func (c *CallbackRelay) Register(r *task.Registry) error {
	if err := r.Register(c.tasks.SendDeliveryStatus, func(ctx context.Context, tc task.Context) error {
		var p CallbackPayload[StatusCallbackBody]
		if err := decode(tc, &p); err != nil {
			return err
		}
		return c.SendDeliveryStatus(ctx, tc, p)
	}); err != nil {
		return err
	}

	if err := r.Register(c.tasks.SendComplaint, func(ctx context.Context, tc task.Context) error {
		var p CallbackPayload[ComplaintCallbackBody]
		if err := decode(tc, &p); err != nil {
			return err
		}
		return c.SendComplaint(ctx, tc, p)
	}); err != nil {
		return err
	}

	return r.Register(c.tasks.SendInboundSMS, func(ctx context.Context, tc task.Context) error {
		var p InboundSMSPayload
		if err := decode(tc, &p); err != nil {
			return err
		}
		return c.SendInboundSMS(ctx, tc, p)
	})
}

func (c *CallbackRelay) SendDeliveryStatus(ctx context.Context, tc task.Context, p CallbackPayload[StatusCallbackBody]) error {
	logger := observability.WithContextLogger(c.logger, ctx).
		With(observability.NotificationFields(p.Body.ID, p.ServiceID)...)
	return c.deliver(ctx, tc, logger, callbackKindStatus, c.callbackTimeout, true, p.URL, p.BearerToken, p.Body)
}

func (c *CallbackRelay) SendComplaint(ctx context.Context, tc task.Context, p CallbackPayload[ComplaintCallbackBody]) error {
	logger := observability.WithContextLogger(c.logger, ctx).With(
		zap.String("notificationId", p.Body.NotificationID),
		zap.String("complaintId", p.Body.ComplaintID),
		zap.String("serviceId", p.ServiceID),
	)
	return c.deliver(ctx, tc, logger, callbackKindComplaint, c.callbackTimeout, true, p.URL, p.BearerToken, p.Body)
}

// SendInboundSMS relays a received SMS to the service's inbound endpoint.
// Throttling responses are not retried for inbound traffic.
func (c *CallbackRelay) SendInboundSMS(ctx context.Context, tc task.Context, p InboundSMSPayload) error {
	logger := observability.WithContextLogger(c.logger, ctx).With(zap.String("inboundSmsId", p.InboundSMSID))

	sms, err := c.inbound.GetByID(ctx, p.InboundSMSID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("inbound sms not found, dropping")
		return nil
	}
	if err != nil {
		return c.retry(ctx, tc, logger, callbackKindInbound, err)
	}

	api, err := c.services.InboundAPI(ctx, sms.ServiceID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Info("service has no inbound endpoint, dropping", zap.String("serviceId", sms.ServiceID))
		return nil
	}
	if err != nil {
		return c.retry(ctx, tc, logger, callbackKindInbound, err)
	}

	body := InboundCallbackBody{
		ID:                sms.ID,
		SourceNumber:      sms.UserNumber,
		DestinationNumber: sms.NotifyNumber,
		Message:           sms.Content,
		DateReceived:      sms.ProviderDate.UTC(),
	}
	return c.deliver(ctx, tc, logger.With(zap.String("serviceId", sms.ServiceID)), callbackKindInbound, c.inboundTimeout, false, api.URL, api.BearerToken, body)
}

func (c *CallbackRelay) deliver(
	ctx context.Context,
	tc task.Context,
	logger *zap.Logger,
	kind string,
	timeout time.Duration,
	retryThrottled bool,
	url string,
	token string,
	body any,
) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := c.client.R().
		SetContext(reqCtx).
		SetAuthToken(token).
		SetBody(body).
		Post(url)
	if err != nil {
		logger.Warn("callback request failed", zap.String("kind", kind), zap.Error(err))
		return c.retry(ctx, tc, logger, kind, err)
	}

	status := response.StatusCode()
	switch {
	case response.IsSuccess():
		c.metrics.IncCallback(kind, "success")
		logger.Info("callback delivered", zap.String("kind", kind), zap.Int("statusCode", status))
		return nil
	case status >= http.StatusInternalServerError,
		status == http.StatusTooManyRequests && retryThrottled:
		logger.Warn("callback endpoint unavailable", zap.String("kind", kind), zap.Int("statusCode", status))
		return c.retry(ctx, tc, logger, kind, fmt.Errorf("%w: status %d", errCallbackRejected, status))
	default:
		c.metrics.IncCallback(kind, "rejected")
		logger.Warn("callback rejected, dropping", zap.String("kind", kind), zap.Int("statusCode", status))
		return nil
	}
}

// retry schedules another attempt; an exhausted budget drops the callback.
func (c *CallbackRelay) retry(ctx context.Context, tc task.Context, logger *zap.Logger, kind string, cause error) error {
	err := tc.Retry(ctx, cause)
	if err == nil {
		c.metrics.IncCallback(kind, "retry")
		return nil
	}
	if task.IsMaxRetriesExceeded(err) {
		c.metrics.IncCallback(kind, "exhausted")
		logger.Error("callback retries exhausted, dropping", zap.String("kind", kind), zap.NamedError("cause", cause))
		return nil
	}
	return err
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"go.uber.org/zap"
)

const (
	defaultPollWindow    = 5 * time.Minute
	defaultPollOverlap   = time.Minute
	defaultPollBatchSize = 500

	snsStatusSuccess = "SUCCESS"
)

// permanentFailureMarkers are SNS provider responses that will not succeed on
// a later attempt.
var permanentFailureMarkers = []string{
	"invalid phone number",
	"opted out",
	"blocked",
	"not supported",
	"doesn't support",
	"unknown subscriber",
}

// LogEventsAPI is the subset of the CloudWatch Logs client the poller uses.
type LogEventsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// ReceiptPollerConfig names the SNS delivery-status log groups and the
// polling window.
type ReceiptPollerConfig struct {
	SuccessLogGroup string
	FailureLogGroup string
	Window          time.Duration
	Overlap         time.Duration
	BatchSize       int
}

type snsDeliveryLog struct {
	Notification struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"notification"`
	Delivery struct {
		ProviderResponse string `json:"providerResponse"`
		PhoneCarrier     string `json:"phoneCarrier"`
	} `json:"delivery"`
	Status string `json:"status"`
}

type receipt struct {
	reference string
	status    domain.Status
	response  string
	at        time.Time
}

type outcomeKey struct {
	status   domain.Status
	response string
}

// ReceiptPoller reads SMS delivery receipts from CloudWatch Logs and applies
// them with bulk conditional updates.
type ReceiptPoller struct {
	api           LogEventsAPI
	notifications repository.NotificationRepository
	reconciler    *Reconciler
	enqueuer      task.Enqueuer
	tasks         Tasks
	cfg           ReceiptPollerConfig
	logger        *zap.Logger
	now           func() time.Time
}

func NewReceiptPoller(
	api LogEventsAPI,
	notifications repository.NotificationRepository,
	reconciler *Reconciler,
	enqueuer task.Enqueuer,
	tasks Tasks,
	cfg ReceiptPollerConfig,
	logger *zap.Logger,
) (*ReceiptPoller, error) {
	if api == nil {
		return nil, fmt.Errorf("log events api is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("task enqueuer is required")
	}
	if cfg.SuccessLogGroup == "" || cfg.FailureLogGroup == "" {
		return nil, fmt.Errorf("success and failure log groups are required")
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultPollWindow
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = defaultPollOverlap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultPollBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReceiptPoller{
		api:           api,
		notifications: notifications,
		reconciler:    reconciler,
		enqueuer:      enqueuer,
		tasks:         tasks,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Poll applies every receipt logged in the trailing window. The window
// overlaps the previous poll, so receipts may be applied more than once.
func (p *ReceiptPoller) Poll(ctx context.Context) error {
	end := p.now()
	start := end.Add(-(p.cfg.Window + p.cfg.Overlap))

	var receipts []receipt
	for _, group := range []string{p.cfg.SuccessLogGroup, p.cfg.FailureLogGroup} {
		found, err := p.fetch(ctx, group, start, end)
		if err != nil {
			return err
		}
		receipts = append(receipts, found...)
	}
	if len(receipts) == 0 {
		return nil
	}

	groups := make(map[outcomeKey][]receipt)
	for _, r := range receipts {
		key := outcomeKey{status: r.status, response: r.response}
		groups[key] = append(groups[key], r)
	}

	keys := make([]outcomeKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].status != keys[j].status {
			return keys[i].status < keys[j].status
		}
		return keys[i].response < keys[j].response
	})

	var errs []error
	updated := 0
	for _, key := range keys {
		n, err := p.apply(ctx, key, groups[key])
		updated += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Info("receipt poll applied",
		zap.Int("receipts", len(receipts)),
		zap.Int("updated", updated),
	)
	return errors.Join(errs...)
}

func (p *ReceiptPoller) fetch(ctx context.Context, group string, start, end time.Time) ([]receipt, error) {
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(p.api, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: awssdk.String(group),
		StartTime:    awssdk.Int64(start.UnixMilli()),
		EndTime:      awssdk.Int64(end.UnixMilli()),
	})

	var out []receipt
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read log group %s: %w", group, err)
		}
		for _, event := range page.Events {
			r, ok := parseDeliveryLog(awssdk.ToString(event.Message))
			if !ok {
				p.logger.Warn("skipping unreadable delivery log event", zap.String("logGroup", group))
				continue
			}
			if r.at.IsZero() {
				r.at = time.UnixMilli(awssdk.ToInt64(event.Timestamp))
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func parseDeliveryLog(message string) (receipt, bool) {
	var entry snsDeliveryLog
	if err := json.Unmarshal([]byte(message), &entry); err != nil {
		return receipt{}, false
	}
	if entry.Notification.MessageID == "" {
		return receipt{}, false
	}

	r := receipt{
		reference: entry.Notification.MessageID,
		response:  entry.Delivery.ProviderResponse,
		status:    classifySMSOutcome(entry.Status, entry.Delivery.ProviderResponse),
	}
	if at, err := time.Parse("2006-01-02 15:04:05.999", entry.Notification.Timestamp); err == nil {
		r.at = at
	}
	return r, true
}

func classifySMSOutcome(status, providerResponse string) domain.Status {
	if strings.EqualFold(status, snsStatusSuccess) {
		return domain.StatusDelivered
	}
	response := strings.ToLower(providerResponse)
	for _, marker := range permanentFailureMarkers {
		if strings.Contains(response, marker) {
			return domain.StatusPermanentFailure
		}
	}
	return domain.StatusTemporaryFailure
}

func (p *ReceiptPoller) apply(ctx context.Context, key outcomeKey, receipts []receipt) (int, error) {
	updated := 0
	for start := 0; start < len(receipts); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(receipts))
		batch := receipts[start:end]

		refs := make([]string, 0, len(batch))
		for _, r := range batch {
			refs = append(refs, r.reference)
		}

		rows, err := p.notifications.BulkTransitionByReference(ctx, refs, key.status, key.response)
		if err != nil {
			return updated, fmt.Errorf("failed to apply %s receipts: %w", key.status, err)
		}
		updated += len(rows)

		if err := p.reconciler.RelayTerminal(ctx, rows); err != nil {
			p.logger.Error("failed to queue status callbacks", zap.Error(err))
		}
		p.deferUnmatched(ctx, key, batch, rows)
	}
	return updated, nil
}

// deferUnmatched hands receipts that matched no stored notification to the
// per-reference update, which retries while the grace window lasts. A
// reference whose row exists was closed or suppressed and is not retried.
func (p *ReceiptPoller) deferUnmatched(ctx context.Context, key outcomeKey, batch []receipt, rows []domain.Notification) {
	settled := make(map[string]struct{}, len(rows))
	for _, n := range rows {
		if n.Reference != nil {
			settled[*n.Reference] = struct{}{}
		}
	}

	now := p.now()
	pending := make([]receipt, 0, len(batch))
	for _, r := range batch {
		if _, ok := settled[r.reference]; ok {
			continue
		}
		if now.Sub(r.at) > p.reconciler.graceWindow {
			continue
		}
		pending = append(pending, r)
	}
	if len(pending) == 0 {
		return
	}

	refs := make([]string, 0, len(pending))
	for _, r := range pending {
		refs = append(refs, r.reference)
	}
	known, err := p.notifications.KnownReferences(ctx, refs)
	if err != nil {
		p.logger.Warn("failed to look up unmatched receipts, deferring all", zap.Error(err))
	}
	for _, ref := range known {
		settled[ref] = struct{}{}
	}

	for _, r := range pending {
		if _, ok := settled[r.reference]; ok {
			continue
		}

		payload := StatusUpdatePayload{
			Reference:        r.reference,
			Status:           key.status,
			ProviderResponse: key.response,
			Timestamp:        r.at,
		}
		if err := p.enqueuer.Enqueue(ctx, p.tasks.UpdateStatus, payload); err != nil {
			p.logger.Error("failed to defer unmatched receipt",
				zap.String("reference", r.reference),
				zap.Error(err),
			)
		}
	}
}

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/ratelimit"
)

const outcomeSuccess = "success"

// Instrumentation is what every provider call is wrapped with. Zero values
// disable the matching concern.
type Instrumentation struct {
	Metrics *observability.Metrics
	Limiter ratelimit.RateLimiter
	// Timeout bounds a single provider call, not the limiter wait.
	Timeout time.Duration
}

type instrumentedSMS struct {
	next SMSClient
	Instrumentation
	now func() time.Time
}

// InstrumentSMS records latency and outcome per provider, waits on the
// limiter before each call and bounds the call by the timeout.
func InstrumentSMS(client SMSClient, in Instrumentation) SMSClient {
	return &instrumentedSMS{next: client, Instrumentation: in, now: time.Now}
}

func (c *instrumentedSMS) Name() string { return c.next.Name() }

func (c *instrumentedSMS) SendSMS(ctx context.Context, msg SMS) (string, error) {
	if err := wait(ctx, c.Limiter, c.next.Name()); err != nil {
		return "", err
	}

	callCtx, cancel := c.bound(ctx)
	defer cancel()

	start := c.now()
	id, err := c.next.SendSMS(callCtx, msg)
	err = timedOut(ctx, callCtx, c.next.Name(), err)
	c.Metrics.ObserveProviderRequest(c.next.Name(), outcome(err), c.now().Sub(start))
	return id, err
}

type instrumentedEmail struct {
	next EmailClient
	Instrumentation
	now func() time.Time
}

// InstrumentEmail is InstrumentSMS for email clients.
func InstrumentEmail(client EmailClient, in Instrumentation) EmailClient {
	return &instrumentedEmail{next: client, Instrumentation: in, now: time.Now}
}

func (c *instrumentedEmail) Name() string { return c.next.Name() }

func (c *instrumentedEmail) SendEmail(ctx context.Context, msg Email) (string, error) {
	if err := wait(ctx, c.Limiter, c.next.Name()); err != nil {
		return "", err
	}

	callCtx, cancel := c.bound(ctx)
	defer cancel()

	start := c.now()
	id, err := c.next.SendEmail(callCtx, msg)
	err = timedOut(ctx, callCtx, c.next.Name(), err)
	c.Metrics.ObserveProviderRequest(c.next.Name(), outcome(err), c.now().Sub(start))
	return id, err
}

func (in Instrumentation) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if in.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, in.Timeout)
}

// timedOut marks err retryable when the call deadline, not the caller, ended it.
func timedOut(parent, call context.Context, name string, err error) error {
	if err == nil || parent.Err() != nil || !errors.Is(call.Err(), context.DeadlineExceeded) {
		return err
	}
	return &Error{Provider: name, Kind: KindRetryable, Message: "provider call timed out", Cause: err}
}

func wait(ctx context.Context, limiter ratelimit.RateLimiter, name string) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx, name); err != nil {
		return &Error{Provider: name, Kind: KindOf(err), Message: "rate limiter wait failed", Cause: err}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	return KindOf(err).String()
}

package main

import (
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpointsmsvoicev2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/config"
	infraredis "github.com/kursadbilgin/notify-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/provider"
	"github.com/kursadbilgin/notify-pipeline/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

// buildProviders registers every configured SMS and email adapter. SNS and
// SES are always present; the others need credentials. Each worker smooths
// its own calls and Redis caps every provider across the fleet.
func buildProviders(cfg *config.Config, awsCfg awssdk.Config, rdb goredis.UniversalClient, metrics *observability.Metrics) (*provider.Registry, error) {
	registry := provider.NewRegistry(cfg.DefaultSMSProvider, cfg.DefaultEmailProvider)

	shared, err := infraredis.NewProviderRateLimiter(rdb, cfg.ProviderQPS)
	if err != nil {
		return nil, err
	}
	instrumentation := provider.Instrumentation{
		Metrics: metrics,
		Limiter: ratelimit.Chain{
			ratelimit.NewLocalLimiter(float64(cfg.ProviderWorkerQPS), cfg.ProviderWorkerQPS),
			shared,
		},
		Timeout: cfg.ProviderTimeout(),
	}

	snsClient, err := provider.NewSNSClient(sns.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	smsClients := []provider.SMSClient{snsClient}

	if cfg.PinpointPoolID != "" {
		pinpoint, err := provider.NewPinpointClient(pinpointsmsvoicev2.NewFromConfig(awsCfg), cfg.PinpointPoolID, cfg.PinpointConfigSet)
		if err != nil {
			return nil, err
		}
		smsClients = append(smsClients, pinpoint)
	}
	if cfg.TwilioAccountSID != "" {
		twilio, err := provider.NewTwilioClient(newProviderHTTP(cfg), cfg.TwilioBaseURL, cfg.TwilioAccountSID, cfg.TwilioAuthToken)
		if err != nil {
			return nil, err
		}
		smsClients = append(smsClients, twilio)
	}
	if cfg.FiretextAPIKey != "" {
		firetext, err := provider.NewFiretextClient(newProviderHTTP(cfg), cfg.FiretextURL, cfg.FiretextAPIKey)
		if err != nil {
			return nil, err
		}
		smsClients = append(smsClients, firetext)
	}

	for _, c := range smsClients {
		if err := registry.RegisterSMS(provider.InstrumentSMS(c, instrumentation)); err != nil {
			return nil, fmt.Errorf("register sms provider %s: %w", c.Name(), err)
		}
	}

	ses, err := provider.NewSESClient(sesv2.NewFromConfig(awsCfg), cfg.SESConfigSet)
	if err != nil {
		return nil, err
	}
	if err := registry.RegisterEmail(provider.InstrumentEmail(ses, instrumentation)); err != nil {
		return nil, fmt.Errorf("register email provider %s: %w", ses.Name(), err)
	}

	return registry, nil
}

func newProviderHTTP(cfg *config.Config) *resty.Client {
	return resty.New().SetTimeout(cfg.ProviderTimeout())
}

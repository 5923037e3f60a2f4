package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN          string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL          string `env:"RABBITMQ_URL,required=true"`
	RedisURL             string `env:"REDIS_URL,required=true"`
	PayloadEncryptionKey string `env:"PAYLOAD_ENCRYPTION_KEY,required=true"`
	APIPort              int    `env:"API_PORT,default=8080"`
	WorkerMetricsPort    int    `env:"WORKER_METRICS_PORT,default=9090"`
	LogLevel             string `env:"LOG_LEVEL,default=info"`
	WorkerConcurrency    int    `env:"WORKER_CONCURRENCY,default=4"`
	WorkerPrefetch       int    `env:"WORKER_PREFETCH,default=10"`

	AWSRegion          string `env:"AWS_REGION,default=eu-west-2"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSEndpointURL     string `env:"AWS_ENDPOINT_URL"`
	CSVUploadBucket    string `env:"CSV_UPLOAD_BUCKET,default=notify-csv-upload"`

	DefaultSMSProvider   string `env:"DEFAULT_SMS_PROVIDER,default=sns"`
	DefaultEmailProvider string `env:"DEFAULT_EMAIL_PROVIDER,default=ses"`
	ProviderQPS          int    `env:"PROVIDER_QPS,default=50"`
	ProviderWorkerQPS    int    `env:"PROVIDER_WORKER_QPS,default=20"`
	ProviderTimeoutSec   int    `env:"PROVIDER_TIMEOUT_SEC,default=10"`
	DefaultPhoneRegion   string `env:"DEFAULT_PHONE_REGION,default=GB"`
	NoReceiptCountries   string `env:"NO_RECEIPT_COUNTRY_CODES"`
	PinpointPoolID       string `env:"PINPOINT_POOL_ID"`
	PinpointConfigSet    string `env:"PINPOINT_CONFIGURATION_SET"`
	SESConfigSet         string `env:"SES_CONFIGURATION_SET"`
	TwilioAccountSID     string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string `env:"TWILIO_AUTH_TOKEN"`
	TwilioBaseURL        string `env:"TWILIO_BASE_URL,default=https://api.twilio.com"`
	FiretextAPIKey       string `env:"FIRETEXT_API_KEY"`
	FiretextURL          string `env:"FIRETEXT_URL,default=https://www.firetext.co.uk/api/sendsms/json"`

	DeliverMaxRetries  int `env:"DELIVER_MAX_RETRIES,default=48"`
	DeliverRetrySec    int `env:"DELIVER_RETRY_DELAY_SEC,default=300"`
	PersistMaxRetries  int `env:"PERSIST_MAX_RETRIES,default=5"`
	PersistRetrySec    int `env:"PERSIST_RETRY_DELAY_SEC,default=300"`
	CallbackMaxRetries int `env:"CALLBACK_MAX_RETRIES,default=5"`
	CallbackRetrySec   int `env:"CALLBACK_RETRY_DELAY_SEC,default=300"`
	CallbackTimeoutSec int `env:"CALLBACK_TIMEOUT_SEC,default=5"`
	InboundTimeoutSec  int `env:"INBOUND_CALLBACK_TIMEOUT_SEC,default=60"`

	UsageWindowHours  int `env:"USAGE_WINDOW_HOURS,default=24"`
	CacheTTLSec       int `env:"CACHE_TTL_SEC,default=30"`
	CacheSize         int `env:"CACHE_SIZE,default=1024"`
	ReceiptGraceSec   int `env:"RECEIPT_GRACE_WINDOW_SEC,default=300"`
	ReceiptRetrySec   int `env:"RECEIPT_RETRY_DELAY_SEC,default=60"`
	ReceiptMaxRetries int `env:"RECEIPT_MAX_RETRIES,default=5"`

	SNSTopicAllowList   string `env:"SNS_TOPIC_ALLOW_LIST"`
	SNSCertHostPattern  string `env:"SNS_CERT_HOST_PATTERN"`
	SNSCertCacheSize    int    `env:"SNS_CERT_CACHE_SIZE,default=32"`
	SNSCertCacheTTLMin  int    `env:"SNS_CERT_CACHE_TTL_MIN,default=720"`
	SMSSuccessLogGroup  string `env:"SMS_SUCCESS_LOG_GROUP,default=sns/eu-west-2/DirectPublishToPhoneNumber"`
	SMSFailureLogGroup  string `env:"SMS_FAILURE_LOG_GROUP,default=sns/eu-west-2/DirectPublishToPhoneNumber/Failure"`
	ReceiptPollEnabled  bool   `env:"RECEIPT_POLL_ENABLED,default=false"`
	ReceiptPollSec      int    `env:"RECEIPT_POLL_INTERVAL_SEC,default=60"`
	ReceiptPollWindowS  int    `env:"RECEIPT_POLL_WINDOW_SEC,default=300"`
	ReceiptPollOverlapS int    `env:"RECEIPT_POLL_OVERLAP_SEC,default=60"`
	ReceiptPollBatch    int    `env:"RECEIPT_POLL_BATCH_SIZE,default=500"`

	JobScanSec         int `env:"JOB_SCAN_INTERVAL_SEC,default=60"`
	JobStallMin        int `env:"JOB_STALL_MINUTES,default=30"`
	JobStallScanSec    int `env:"JOB_STALL_SCAN_INTERVAL_SEC,default=300"`
	AuditMinAgeMin     int `env:"AUDIT_MIN_AGE_MINUTES,default=10"`
	AuditLookbackMin   int `env:"AUDIT_LOOKBACK_MINUTES,default=1440"`
	AuditScanSec       int `env:"AUDIT_SCAN_INTERVAL_SEC,default=600"`
	PendingTimeoutHour int `env:"PENDING_TIMEOUT_HOURS,default=72"`
	PendingSweepSec    int `env:"PENDING_SWEEP_INTERVAL_SEC,default=3600"`
	RetentionDays      int `env:"RETENTION_DAYS,default=7"`
	ArchiveBatchSize   int `env:"ARCHIVE_BATCH_SIZE,default=10000"`
	ArchiveScanSec     int `env:"ARCHIVE_INTERVAL_SEC,default=3600"`
	ScanBatchSize      int `env:"SCAN_BATCH_SIZE,default=500"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := cfg.EncryptionKey(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// EncryptionKey decodes the queue payload key, which must be 32 bytes of hex.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.PayloadEncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("invalid PAYLOAD_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid PAYLOAD_ENCRYPTION_KEY: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) TopicAllowList() []string { return splitList(c.SNSTopicAllowList) }
func (c *Config) NoReceiptPrefixes() []string { return splitList(c.NoReceiptCountries) }

func (c *Config) ProviderTimeout() time.Duration { return seconds(c.ProviderTimeoutSec) }
func (c *Config) DeliverRetryDelay() time.Duration { return seconds(c.DeliverRetrySec) }
func (c *Config) PersistRetryDelay() time.Duration { return seconds(c.PersistRetrySec) }
func (c *Config) CallbackRetryDelay() time.Duration { return seconds(c.CallbackRetrySec) }
func (c *Config) CallbackTimeout() time.Duration { return seconds(c.CallbackTimeoutSec) }
func (c *Config) InboundTimeout() time.Duration { return seconds(c.InboundTimeoutSec) }
func (c *Config) UsageWindow() time.Duration { return time.Duration(c.UsageWindowHours) * time.Hour }
func (c *Config) CacheTTL() time.Duration { return seconds(c.CacheTTLSec) }
func (c *Config) ReceiptGraceWindow() time.Duration { return seconds(c.ReceiptGraceSec) }
func (c *Config) ReceiptRetryDelay() time.Duration { return seconds(c.ReceiptRetrySec) }
func (c *Config) CertCacheTTL() time.Duration { return time.Duration(c.SNSCertCacheTTLMin) * time.Minute }
func (c *Config) ReceiptPollInterval() time.Duration { return seconds(c.ReceiptPollSec) }
func (c *Config) ReceiptPollWindow() time.Duration { return seconds(c.ReceiptPollWindowS) }
func (c *Config) ReceiptPollOverlap() time.Duration { return seconds(c.ReceiptPollOverlapS) }
func (c *Config) JobScanInterval() time.Duration { return seconds(c.JobScanSec) }
func (c *Config) JobStallWindow() time.Duration { return time.Duration(c.JobStallMin) * time.Minute }
func (c *Config) JobStallScanInterval() time.Duration { return seconds(c.JobStallScanSec) }
func (c *Config) AuditMinAge() time.Duration { return time.Duration(c.AuditMinAgeMin) * time.Minute }
func (c *Config) AuditLookback() time.Duration { return time.Duration(c.AuditLookbackMin) * time.Minute }
func (c *Config) AuditScanInterval() time.Duration { return seconds(c.AuditScanSec) }
func (c *Config) PendingTimeout() time.Duration { return time.Duration(c.PendingTimeoutHour) * time.Hour }
func (c *Config) PendingSweepInterval() time.Duration { return seconds(c.PendingSweepSec) }
func (c *Config) Retention() time.Duration { return time.Duration(c.RetentionDays) * 24 * time.Hour }
func (c *Config) ArchiveInterval() time.Duration { return seconds(c.ArchiveScanSec) }

// CertHostPattern is the host pattern signing certificate URLs must match.
func (c *Config) CertHostPattern() string {
	if p := strings.TrimSpace(c.SNSCertHostPattern); p != "" {
		return p
	}
	return `^sns\.[a-z0-9-]+\.amazonaws\.com$`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

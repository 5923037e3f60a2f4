package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-pipeline/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	bucketSize           = time.Hour
	defaultWindowBuckets = 24
)

var incrementScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

var _ ratelimit.UsageCounter = (*UsageCounter)(nil)

// UsageCounter counts messages sent per service in hourly buckets. Count sums
// the buckets covering the configured window.
type UsageCounter struct {
	client  goredis.UniversalClient
	buckets int
	now     func() time.Time
	script  *goredis.Script
}

func NewUsageCounter(client goredis.UniversalClient, window time.Duration) (*UsageCounter, error) {
	return newUsageCounter(client, window, time.Now)
}

func newUsageCounter(client goredis.UniversalClient, window time.Duration, nowFn func() time.Time) (*UsageCounter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	buckets := int(window / bucketSize)
	if buckets <= 0 {
		buckets = defaultWindowBuckets
	}

	return &UsageCounter{
		client:  client,
		buckets: buckets,
		now:     nowFn,
		script:  incrementScript,
	}, nil
}

func (u *UsageCounter) Increment(ctx context.Context, serviceID string) error {
	serviceID, err := normalizeServiceID(serviceID)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ttl := int64((time.Duration(u.buckets+1) * bucketSize).Seconds())
	key := usageKey(serviceID, u.bucket(u.now()))
	if err := u.script.Run(ctx, u.client, []string{key}, ttl).Err(); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

func (u *UsageCounter) Count(ctx context.Context, serviceID string) (int64, error) {
	serviceID, err := normalizeServiceID(serviceID)
	if err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	current := u.bucket(u.now())
	keys := make([]string, 0, u.buckets)
	for i := 0; i < u.buckets; i++ {
		keys = append(keys, usageKey(serviceID, current-int64(i)))
	}

	values, err := u.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}

	var total int64
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid usage counter value %q: %w", s, err)
		}
		total += n
	}

	return total, nil
}

func (u *UsageCounter) bucket(t time.Time) int64 {
	return t.UTC().Unix() / int64(bucketSize.Seconds())
}

func usageKey(serviceID string, bucket int64) string {
	return fmt.Sprintf("usage:%s:%d", serviceID, bucket)
}

func normalizeServiceID(serviceID string) (string, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return "", fmt.Errorf("service id is required")
	}
	return serviceID, nil
}

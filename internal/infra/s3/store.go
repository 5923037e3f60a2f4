// Package s3 stores uploaded recipient lists for jobs.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
)

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds an S3 client. Path-style addressing is enabled when an
// endpoint override is configured.
func NewClient(cfg awssdk.Config) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != nil {
			o.UsePathStyle = true
		}
	})
}

// RecipientListStore reads and writes job recipient lists as CSV objects.
type RecipientListStore struct {
	client ObjectAPI
	bucket string
}

func NewRecipientListStore(client ObjectAPI, bucket string) (*RecipientListStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	return &RecipientListStore{client: client, bucket: bucket}, nil
}

// ObjectKey returns the object key holding the recipient list of a job.
func ObjectKey(serviceID, jobID string) string {
	return fmt.Sprintf("service-%s-notify/%s.csv", serviceID, jobID)
}

// Open returns the recipient list of a job. The caller closes the reader.
func (s *RecipientListStore) Open(ctx context.Context, serviceID, jobID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(ObjectKey(serviceID, jobID)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: recipient list for job %s", domain.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return out.Body, nil
}

func (s *RecipientListStore) Put(ctx context.Context, serviceID, jobID string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      awssdk.String(s.bucket),
		Key:         awssdk.String(ObjectKey(serviceID, jobID)),
		Body:        r,
		ContentType: awssdk.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

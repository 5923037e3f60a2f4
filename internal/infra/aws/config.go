// Package aws loads the shared SDK configuration used by every AWS client.
package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/kursadbilgin/notify-pipeline/internal/config"
)

// LoadConfig resolves region and credentials. Static keys are used when set,
// otherwise the default chain applies. AWSEndpointURL (LocalStack) overrides
// every service endpoint.
func LoadConfig(ctx context.Context, cfg *config.Config) (awssdk.Config, error) {
	if cfg == nil {
		return awssdk.Config{}, fmt.Errorf("config is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}

	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awssdk.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}

	if cfg.AWSEndpointURL != "" {
		awsCfg.BaseEndpoint = awssdk.String(cfg.AWSEndpointURL)
	}

	return awsCfg, nil
}

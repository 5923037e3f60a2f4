package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const (
	NameSES = "ses"

	charsetUTF8 = "UTF-8"
)

// SESAPI is the subset of the SES v2 client used for sending.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClient sends plain-text emails through SES v2.
type SESClient struct {
	api              SESAPI
	configurationSet string
}

func NewSESClient(api SESAPI, configurationSet string) (*SESClient, error) {
	if api == nil {
		return nil, fmt.Errorf("ses api is required")
	}
	return &SESClient{api: api, configurationSet: configurationSet}, nil
}

func (c *SESClient) Name() string { return NameSES }

func (c *SESClient) SendEmail(ctx context.Context, msg Email) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charsetUTF8)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String(charsetUTF8)},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("reference"), Value: aws.String(msg.Reference)},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if c.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.configurationSet)
	}

	out, err := c.api.SendEmail(ctx, input)
	if err != nil {
		return "", classifyAWS(NameSES, err)
	}
	if out == nil || aws.ToString(out.MessageId) == "" {
		return "", &Error{Provider: NameSES, Kind: KindRetryable, Message: "send returned no message id"}
	}

	return aws.ToString(out.MessageId), nil
}

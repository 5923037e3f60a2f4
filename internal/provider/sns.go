package provider

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const NameSNS = "sns"

// Alphanumeric sender ids are 1-11 characters; numeric senders go unset.
var senderIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,11}$`)

// SNSAPI is the subset of the SNS client used for direct SMS publishing.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient sends SMS by publishing straight to a phone number.
type SNSClient struct {
	api SNSAPI
}

func NewSNSClient(api SNSAPI) (*SNSClient, error) {
	if api == nil {
		return nil, fmt.Errorf("sns api is required")
	}
	return &SNSClient{api: api}, nil
}

func (c *SNSClient) Name() string { return NameSNS }

func (c *SNSClient) SendSMS(ctx context.Context, msg SMS) (string, error) {
	attributes := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if msg.Sender != "" && senderIDPattern.MatchString(msg.Sender) && hasLetter(msg.Sender) {
		attributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.Sender),
		}
	}

	out, err := c.api.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.To),
		Message:           aws.String(msg.Content),
		MessageAttributes: attributes,
	})
	if err != nil {
		return "", classifyAWS(NameSNS, err)
	}
	if out == nil || aws.ToString(out.MessageId) == "" {
		return "", &Error{Provider: NameSNS, Kind: KindRetryable, Message: "publish returned no message id"}
	}

	return aws.ToString(out.MessageId), nil
}

func hasLetter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

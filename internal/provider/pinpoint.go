package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpointsmsvoicev2"
	"github.com/aws/aws-sdk-go-v2/service/pinpointsmsvoicev2/types"
)

const NamePinpoint = "pinpoint"

// PinpointAPI is the subset of the Pinpoint SMS v2 client used for sending.
type PinpointAPI interface {
	SendTextMessage(ctx context.Context, params *pinpointsmsvoicev2.SendTextMessageInput, optFns ...func(*pinpointsmsvoicev2.Options)) (*pinpointsmsvoicev2.SendTextMessageOutput, error)
}

// PinpointClient sends SMS from an origination pool.
type PinpointClient struct {
	api              PinpointAPI
	poolID           string
	configurationSet string
}

func NewPinpointClient(api PinpointAPI, poolID, configurationSet string) (*PinpointClient, error) {
	if api == nil {
		return nil, fmt.Errorf("pinpoint api is required")
	}
	return &PinpointClient{api: api, poolID: poolID, configurationSet: configurationSet}, nil
}

func (c *PinpointClient) Name() string { return NamePinpoint }

func (c *PinpointClient) SendSMS(ctx context.Context, msg SMS) (string, error) {
	input := &pinpointsmsvoicev2.SendTextMessageInput{
		DestinationPhoneNumber: aws.String(msg.To),
		MessageBody:            aws.String(msg.Content),
		MessageType:            types.MessageTypeTransactional,
		Context:                map[string]string{"reference": msg.Reference},
	}
	if c.poolID != "" {
		input.OriginationIdentity = aws.String(c.poolID)
	}
	if c.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.configurationSet)
	}

	out, err := c.api.SendTextMessage(ctx, input)
	if err != nil {
		return "", classifyAWS(NamePinpoint, err)
	}
	if out == nil || aws.ToString(out.MessageId) == "" {
		return "", &Error{Provider: NamePinpoint, Kind: KindRetryable, Message: "send returned no message id"}
	}

	return aws.ToString(out.MessageId), nil
}

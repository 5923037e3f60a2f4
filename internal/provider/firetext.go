package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

const NameFiretext = "firetext"

type firetextResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// FiretextClient sends SMS through Firetext. Firetext echoes our reference,
// so it doubles as the provider message id.
type FiretextClient struct {
	client *resty.Client
	url    string
	apiKey string
}

func NewFiretextClient(client *resty.Client, url, apiKey string) (*FiretextClient, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("firetext url is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("firetext api key is required")
	}

	prepareClient(client)

	return &FiretextClient{client: client, url: url, apiKey: apiKey}, nil
}

func (c *FiretextClient) Name() string { return NameFiretext }

func (c *FiretextClient) SendSMS(ctx context.Context, msg SMS) (string, error) {
	var result firetextResponse

	response, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"apiKey":    c.apiKey,
			"from":      msg.Sender,
			"to":        strings.TrimPrefix(msg.To, "+"),
			"message":   msg.Content,
			"reference": msg.Reference,
		}).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		return "", &Error{Provider: NameFiretext, Kind: KindOf(err), Message: "request failed", Cause: err}
	}

	if !isSuccessStatus(response.StatusCode()) {
		return "", &Error{
			Provider:   NameFiretext,
			Kind:       kindFromStatus(response.StatusCode()),
			StatusCode: response.StatusCode(),
			Message:    strings.TrimSpace(response.String()),
		}
	}
	if result.Code != 0 {
		return "", &Error{
			Provider:   NameFiretext,
			Kind:       KindRetryable,
			StatusCode: response.StatusCode(),
			Message:    fmt.Sprintf("code %d: %s", result.Code, result.Description),
		}
	}

	return msg.Reference, nil
}

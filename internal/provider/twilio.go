package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	NameTwilio = "twilio"

	defaultHTTPTimeout = 10 * time.Second
)

type twilioMessage struct {
	SID string `json:"sid"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TwilioClient sends SMS through the Twilio Messages API.
type TwilioClient struct {
	client     *resty.Client
	baseURL    string
	accountSID string
	authToken  string
}

func NewTwilioClient(client *resty.Client, baseURL, accountSID, authToken string) (*TwilioClient, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("twilio base url is required")
	}
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio credentials are required")
	}

	prepareClient(client)

	return &TwilioClient{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
	}, nil
}

func (c *TwilioClient) Name() string { return NameTwilio }

func (c *TwilioClient) SendSMS(ctx context.Context, msg SMS) (string, error) {
	var result twilioMessage
	var failure twilioError

	response, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(c.accountSID, c.authToken).
		SetFormData(map[string]string{
			"To":   msg.To,
			"From": msg.Sender,
			"Body": msg.Content,
		}).
		SetResult(&result).
		SetError(&failure).
		Post(fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID))
	if err != nil {
		return "", &Error{Provider: NameTwilio, Kind: KindOf(err), Message: "request failed", Cause: err}
	}

	if !response.IsSuccess() {
		message := failure.Message
		if failure.Code != 0 {
			message = fmt.Sprintf("code %d: %s", failure.Code, failure.Message)
		}
		return "", &Error{
			Provider:   NameTwilio,
			Kind:       kindFromStatus(response.StatusCode()),
			StatusCode: response.StatusCode(),
			Message:    message,
		}
	}
	if result.SID == "" {
		return "", &Error{Provider: NameTwilio, Kind: KindRetryable, StatusCode: response.StatusCode(), Message: "response has no message sid"}
	}

	return result.SID, nil
}

// prepareClient applies the shared provider HTTP defaults. Retries belong to
// the task runtime, so resty never retries on its own.
func prepareClient(client *resty.Client) {
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	client.SetRetryCount(0)
	client.SetHeader("Accept", "application/json")
}

func isSuccessStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultFetchTimeout = 10 * time.Second

// HTTPClient fetches signing certificates and confirms subscriptions.
type HTTPClient struct {
	client *resty.Client
}

func NewHTTPClient(client *resty.Client) (*HTTPClient, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultFetchTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPClient{client: client}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, certURL string) ([]byte, error) {
	response, err := c.client.R().SetContext(ctx).Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", certURL, err)
	}
	if !response.IsSuccess() {
		return nil, fmt.Errorf("get %s: status %d", certURL, response.StatusCode())
	}
	return response.Body(), nil
}

// Confirm visits the subscription confirmation URL.
func (c *HTTPClient) Confirm(ctx context.Context, subscribeURL string) error {
	response, err := c.client.R().SetContext(ctx).Get(subscribeURL)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	if !response.IsSuccess() {
		return fmt.Errorf("confirm subscription: status %d", response.StatusCode())
	}
	return nil
}

// Package cloudapi sends template messages through the WhatsApp Cloud API.
package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/credentials"
)

var ErrNoMessageID = errors.New("cloudapi: response carried no message id")

// Client is the MessagingGateway backed by the Graph API.
type Client struct {
	httpClient *resty.Client
	version    string
}

// NewClient creates a client for baseURL (e.g. https://graph.facebook.com)
// and API version (e.g. v21.0).
func NewClient(baseURL, version string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Cloud API baseURL cannot be empty")
	}
	if version == "" {
		return nil, fmt.Errorf("Cloud API version cannot be empty")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	log.Info().Str("baseURL", baseURL).Str("version", version).Msg("Cloud API client configured")
	return &Client{httpClient: client, version: version}, nil
}

// SendTemplate sends template to the recipient phone on behalf of the
// channel and returns the external message id.
func (c *Client) SendTemplate(ctx context.Context, template json.RawMessage, to string, channel credentials.Channel) (string, error) {
	url := fmt.Sprintf("/%s/%s/messages", c.version, channel.PhoneNumberID)
	payload := SendMessagePayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template:         template,
	}

	var result SendMessageResponse
	var apiErr APIError
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(channel.AccessToken).
		SetBody(payload).
		SetResult(&result).
		SetError(&apiErr).
		Post(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Str("to", to).Msg("Cloud API: SendTemplate request failed")
		return "", fmt.Errorf("Cloud API SendTemplate request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Str("to", to).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Cloud API: SendTemplate returned an error")
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("Cloud API SendTemplate error: status %s, code %d: %s", resp.Status(), apiErr.Error.Code, apiErr.Error.Message)
		}
		return "", fmt.Errorf("Cloud API SendTemplate error: status %s, body: %s", resp.Status(), resp.String())
	}

	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	log.Info().Str("messageID", result.Messages[0].ID).Str("to", to).Msg("Successfully sent template message")
	return result.Messages[0].ID, nil
}

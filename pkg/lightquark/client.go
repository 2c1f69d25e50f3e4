// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package lightquark

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// AgentHeader identifies the posting client to Lightquark.
const AgentHeader = "lq-agent"

const (
	pathToken    = "/v1/auth/token"
	pathMe       = "/v1/user/me"
	pathMessages = "/v2/channel/{channelID}/messages"
)

// maxErrorBody bounds how much of an error response is kept in APIError.
const maxErrorBody = 512

// Client is a minimal Equinox REST client covering the calls the bridge
// makes: token exchange, identity lookup and message creation.
type Client struct {
	http  *resty.Client
	agent string
}

// NewClient creates a client for the API at baseURL. agent is sent in the
// lq-agent header on message posts.
func NewClient(baseURL, agent string) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient, agent: agent}
}

// Login exchanges an email and password for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(tokenRequest{Email: email, Password: password}).
		Post(pathToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: %w", ErrAuth, newAPIError(resp))
	}
	var out envelope[tokenResponse]
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("%w: failed to decode token response: %w", ErrAuth, err)
	}
	if out.Response.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", ErrAuth)
	}
	return out.Response.AccessToken, nil
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(pathMe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %w", ErrAuth, newAPIError(resp))
	}
	var out envelope[meResponse]
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode identity response: %w", ErrAuth, err)
	}
	if out.Response.JWTData.ID == "" {
		return nil, fmt.Errorf("%w: identity response has no user id", ErrAuth)
	}
	return &out.Response.JWTData, nil
}

// CreateMessage posts a message to a Lightquark channel.
func (c *Client) CreateMessage(ctx context.Context, token, channelID string, req *CreateMessageRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader(AgentHeader, c.agent).
		SetPathParam("channelID", channelID).
		SetBody(req).
		Post(pathMessages)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %w", ErrDelivery, newAPIError(resp))
	}
	return nil
}

func newAPIError(resp *resty.Response) *APIError {
	body := string(resp.Body())
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	apiErr := &APIError{
		StatusCode: resp.StatusCode(),
		Body:       body,
	}
	if resp.Request != nil {
		apiErr.Method = resp.Request.Method
		apiErr.Path = resp.Request.URL
	}
	return apiErr
}

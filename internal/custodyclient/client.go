// Package custodyclient is the device-side client of the custody service.
package custodyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tokenvault/tokenvault/internal/besteffort"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

const (
	DefaultTimeout = 15 * time.Second
	maxErrorBody   = 16 << 10
)

// Client talks to /manage-tokens and /send-mail.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	logger  *logging.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &tverrors.ValidationError{Field: "custody_url", Reason: "must be an absolute URL"}
	}
	if apiKey == "" {
		return nil, &tverrors.ValidationError{Field: "custody_api_key", Reason: "required"}
	}
	c := &Client{
		baseURL: u,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store hands the tokens to custody and returns the new reference.
func (c *Client) Store(ctx context.Context, provider models.Provider, email string, tokens models.Tokens) (string, error) {
	var resp models.ManageTokensResponse
	err := c.post(ctx, "/manage-tokens", models.ManageTokensRequest{
		Action:       models.ActionStore,
		Provider:     provider.String(),
		Email:        email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt.UnixMilli(),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.TokenRef == "" {
		return "", fmt.Errorf("custody store: response carried no tokenRef")
	}
	return resp.TokenRef, nil
}

// Delete asks custody to drop ref.
func (c *Client) Delete(ctx context.Context, ref string) error {
	return c.post(ctx, "/manage-tokens", models.ManageTokensRequest{
		Action:   models.ActionDelete,
		TokenRef: ref,
	}, nil)
}

// DeleteOp wraps Delete as a best-effort operation.
func (c *Client) DeleteOp(ref string) besteffort.Op {
	return besteffort.Op{
		Name: "custody-delete",
		Run: func(ctx context.Context) error {
			return c.Delete(ctx, ref)
		},
	}
}

// SendMail sends a message through the custody service using a tokenRef.
func (c *Client) SendMail(ctx context.Context, req models.SendMailRequest) error {
	return c.post(ctx, "/send-mail", req, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpoint := c.baseURL.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if cid := logging.GetCorrelationID(ctx); cid != "" {
		req.Header.Set(logging.CorrelationIDHeader, cid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("custody %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("custody %s: decode response: %w", path, err)
		}
		return nil
	}

	return c.decodeError(ctx, path, resp)
}

func (c *Client) decodeError(ctx context.Context, path string, resp *http.Response) error {
	var body models.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &body)

	c.logger.DebugWithContext(ctx, "custody request rejected",
		"path", path,
		"status", resp.StatusCode,
		"error", body.Error,
	)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &tverrors.ValidationError{Reason: firstNonEmpty(body.Message, body.Error, "bad request")}
	case resp.StatusCode == http.StatusUnauthorized && body.RelinkRequired:
		return &tverrors.ReauthRequiredError{Reason: firstNonEmpty(body.Message, body.Error)}
	case resp.StatusCode == http.StatusUnauthorized:
		return tverrors.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return &tverrors.RateLimitedError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"), body.RetryAfter)}
	default:
		return fmt.Errorf("custody %s: status %d: %s", path, resp.StatusCode, firstNonEmpty(body.Message, body.Error, http.StatusText(resp.StatusCode)))
	}
}

func retryAfter(header string, fallback int) time.Duration {
	if s, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if fallback > 0 {
		return time.Duration(fallback) * time.Second
	}
	return time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

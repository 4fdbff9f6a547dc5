// Package mailer sends mail on a user's behalf through the provider's own
// send API, using a token obtained from the resolver.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/provider"
)

const (
	GmailSendURL = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"
	GraphSendURL = "https://graph.microsoft.com/v1.0/me/sendMail"

	MaxRecipients  = 50
	MaxSubjectLen  = 998
	MaxBodyBytes   = 32 << 10
	defaultTimeout = 30 * time.Second
)

// Resolver yields a usable access token for a tokenRef.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (models.ResolvedToken, error)
}

// Message is an outgoing mail. The sender is the linked account.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	HTML    bool
}

type Mailer struct {
	resolver Resolver
	client   *http.Client
	gmailURL string
	graphURL string
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Mailer)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Mailer) {
		m.client = c
	}
}

// WithEndpoints overrides the provider send URLs.
func WithEndpoints(gmail, graph string) Option {
	return func(m *Mailer) {
		if gmail != "" {
			m.gmailURL = gmail
		}
		if graph != "" {
			m.graphURL = graph
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Mailer) {
		m.logger = l
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mailer) {
		m.metrics = mt
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Mailer) {
		m.now = now
	}
}

func New(resolver Resolver, opts ...Option) *Mailer {
	m := &Mailer{
		resolver: resolver,
		client:   provider.NewHTTPClient(false, defaultTimeout),
		gmailURL: GmailSendURL,
		graphURL: GraphSendURL,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate checks msg before any token is resolved.
func (msg Message) Validate() error {
	if len(msg.To) == 0 {
		return &tverrors.ValidationError{Field: "to", Reason: "at least one recipient required"}
	}
	if len(msg.To)+len(msg.Cc) > MaxRecipients {
		return &tverrors.ValidationError{Field: "to", Reason: "too many recipients"}
	}
	if _, err := parseAddresses(msg.To); err != nil {
		return &tverrors.ValidationError{Field: "to", Reason: err.Error()}
	}
	if _, err := parseAddresses(msg.Cc); err != nil {
		return &tverrors.ValidationError{Field: "cc", Reason: err.Error()}
	}
	if len(msg.Subject) > MaxSubjectLen || strings.ContainsAny(msg.Subject, "\r\n") {
		return &tverrors.ValidationError{Field: "subject", Reason: "too long or multi-line"}
	}
	if len(msg.Body) > MaxBodyBytes {
		return &tverrors.ValidationError{Field: "body", Reason: "too large"}
	}
	return nil
}

// Send resolves ref and submits msg through the matching provider. A 401
// from the send API means the grant was revoked and maps to
// ReauthRequiredError.
func (m *Mailer) Send(ctx context.Context, ref string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	tok, err := m.resolver.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	raw, err := m.compose(tok.Email, msg)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	var req *http.Request
	switch tok.Provider {
	case models.ProviderGoogle:
		body, _ := json.Marshal(map[string]string{"raw": base64.RawURLEncoding.EncodeToString(raw)})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, m.gmailURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	case models.ProviderMicrosoft:
		body := base64.StdEncoding.EncodeToString(raw)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, m.graphURL, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "text/plain")
		}
	default:
		return &tverrors.ValidationError{Field: "provider", Reason: "unsupported provider " + tok.Provider.String()}
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		m.metrics.RecordProviderRequest(tok.Provider.String(), "send", "error")
		return fmt.Errorf("%s send: %w", tok.Provider, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		m.metrics.RecordProviderRequest(tok.Provider.String(), "send", "ok")
		m.logger.InfoWithContext(ctx, "mail sent",
			"provider", tok.Provider.String(),
			"token_ref", logging.Fingerprint(ref),
			"recipients", len(msg.To)+len(msg.Cc),
		)
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		m.metrics.RecordProviderRequest(tok.Provider.String(), "send", "unauthorized")
		return &tverrors.ReauthRequiredError{Provider: tok.Provider.String(), Reason: "send rejected the access token"}
	case resp.StatusCode == http.StatusTooManyRequests:
		m.metrics.RecordProviderRequest(tok.Provider.String(), "send", "rate_limited")
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if secs <= 0 {
			secs = 1
		}
		return &tverrors.RateLimitedError{RetryAfter: time.Duration(secs) * time.Second}
	default:
		m.metrics.RecordProviderRequest(tok.Provider.String(), "send", "error")
		return fmt.Errorf("%s send: status %d: %s", tok.Provider, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

func (m *Mailer) compose(from string, msg Message) ([]byte, error) {
	to, err := parseAddresses(msg.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseAddresses(msg.Cc)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", to)
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, s := range list {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		out = append(out, addr)
	}
	return out, nil
}

package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrappingErrorsUnwrap(t *testing.T) {
	base := errors.New("cause")
	tests := []struct {
		err     error
		message string
	}{
		{&ErrConfigParse{Err: base}, "failed to parse YAML"},
		{&ErrConfigValidation{Err: base}, "config validation failed"},
		{&ErrDatabaseOpen{Path: "/var/lib/tv.db", Err: base}, "/var/lib/tv.db"},
		{&ErrDatabaseMigration{Version: 2, Err: base}, "database migration 2 failed"},
		{&ErrDatabaseQuery{Operation: "store", Err: base}, "operation store"},
		{&ErrServerStart{Addr: ":8320", Err: base}, ":8320"},
		{&ErrServerShutdown{Err: base}, "shutdown failed"},
		{&ErrDirectoryCreate{Path: "/tmp/x", Err: base}, "create directory /tmp/x"},
		{&ErrFileRead{Path: "config.yaml", Err: base}, "config.yaml"},
		{&TokenExchangeError{Provider: "microsoft", Status: 400, Err: base}, "400"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			assert.ErrorIs(t, tt.err, base)
			assert.Contains(t, tt.err.Error(), tt.message)
		})
	}

	assert.Contains(t, (&ErrConfigNotFound{Path: "/etc/tv.yaml"}).Error(), "/etc/tv.yaml")
}

func TestRelinkClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		relink bool
	}{
		{"not found", fmt.Errorf("resolve: %w", &NotFoundError{Resource: "token", ID: "abc"}), true},
		{"reauth", fmt.Errorf("refresh: %w", &ReauthRequiredError{Provider: "google", Reason: "invalid_grant"}), true},
		{"validation", &ValidationError{Field: "email", Reason: "required"}, false},
		{"exchange", &TokenExchangeError{Provider: "google", Status: 400}, false},
		{"unauthorized", ErrUnauthorized, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.relink, NeedsRelink(tt.err))
		})
	}
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsValidation(fmt.Errorf("x: %w", &ValidationError{Field: "code"})))
	assert.True(t, IsTokenExchange(&TokenExchangeError{Provider: "google"}))
	assert.True(t, IsDecrypt(fmt.Errorf("get: %w", &DecryptError{Key: "google_access_token", Reason: "bad padding"})))
	assert.True(t, IsRateLimited(&RateLimitedError{RetryAfter: time.Second}))
	assert.False(t, IsDecrypt(errors.New("plain")))

	assert.Contains(t, (&ValidationError{Field: "email", Reason: "required"}).Error(), "email")
	assert.Equal(t, "validation failed: empty body", (&ValidationError{Reason: "empty body"}).Error())
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("call: %w", &RateLimitedError{RetryAfter: 3 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = RetryAfter(errors.New("other"))
	assert.False(t, ok)
}

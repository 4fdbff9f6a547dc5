package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

// Credential errors

// ErrUnauthorized is returned when the custody service rejects the API key.
var ErrUnauthorized = stderrors.New("unauthorized")

// ValidationError reports input that was rejected before any crypto or
// network work happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// DecryptError reports a local blob that could not be decrypted. Callers
// treat the credential as absent.
type DecryptError struct {
	Key    string
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	msg := "decrypt failed"
	if e.Key != "" {
		msg += " for " + e.Key
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// TokenExchangeError reports a provider that rejected an authorization code.
// Status is zero when no HTTP response was received.
type TokenExchangeError struct {
	Provider string
	Status   int
	Err      error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange with %s failed with status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("token exchange with %s failed: %v", e.Provider, e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// ReauthRequiredError is terminal for the current session: the refresh token
// must not be retried and the user has to go through authorization again.
type ReauthRequiredError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ReauthRequiredError) Error() string {
	msg := fmt.Sprintf("re-authorization required for %s", e.Provider)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReauthRequiredError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return stderrors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

func IsDecrypt(err error) bool {
	var target *DecryptError
	return stderrors.As(err, &target)
}

func IsTokenExchange(err error) bool {
	var target *TokenExchangeError
	return stderrors.As(err, &target)
}

func IsReauthRequired(err error) bool {
	var target *ReauthRequiredError
	return stderrors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return stderrors.As(err, &target)
}

// RetryAfter returns the advised delay when err is a RateLimitedError.
func RetryAfter(err error) (time.Duration, bool) {
	var target *RateLimitedError
	if stderrors.As(err, &target) {
		return target.RetryAfter, true
	}
	return 0, false
}

// NeedsRelink reports whether the caller has to send the user back through
// the authorization flow. Not-found and re-auth are handled identically.
func NeedsRelink(err error) bool {
	return IsReauthRequired(err) || IsNotFound(err)
}

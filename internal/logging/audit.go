package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	AuthSuccess AuditEventType = "AUTH_SUCCESS"
	AuthFailure AuditEventType = "AUTH_FAILURE"
	APIAccess   AuditEventType = "API_ACCESS"

	TokenStore     AuditEventType = "TOKEN_STORE"
	TokenDelete    AuditEventType = "TOKEN_DELETE"
	TokenRefresh   AuditEventType = "TOKEN_REFRESH"
	ReauthRequired AuditEventType = "REAUTH_REQUIRED"

	RateLimited  AuditEventType = "RATE_LIMITED"
	Teardown     AuditEventType = "TEARDOWN"
	ConfigChange AuditEventType = "CONFIG_CHANGE"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent is a security-relevant event. Resource holds a fingerprint of
// the token reference, never the reference or a token itself.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Severity     AuditSeverity          `json:"severity"`
	Provider     string                 `json:"provider,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Action       string                 `json:"action"`
	Resource     string                 `json:"resource,omitempty"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Status:    status,
	}
}

func (e *AuditEvent) WithProvider(provider string) *AuditEvent {
	e.Provider = provider
	return e
}

func (e *AuditEvent) WithIPAddress(ipAddress string) *AuditEvent {
	e.IPAddress = ipAddress
	return e
}

// WithTokenRef records the fingerprint of ref as the event resource.
func (e *AuditEvent) WithTokenRef(ref string) *AuditEvent {
	e.Resource = Fingerprint(ref)
	return e
}

func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	e.Details = details
	return e
}

// WithError marks the event failed and raises severity to error unless a
// higher one was already set.
func (e *AuditEvent) WithError(err error) *AuditEvent {
	if err == nil {
		return e
	}
	e.ErrorMessage = err.Error()
	e.Status = StatusFailure
	if e.Severity == "" || e.Severity == SeverityInfo {
		e.Severity = SeverityError
	}
	return e
}

// Auditor receives audit events.
type Auditor interface {
	Record(ctx context.Context, event *AuditEvent)
}

// LogAuditor writes audit events through a Logger under the "audit" message.
type LogAuditor struct {
	logger *Logger
}

func NewLogAuditor(logger *Logger) *LogAuditor {
	return &LogAuditor{logger: logger}
}

// Record logs event at a level derived from its severity and status. An
// event without an address takes the client IP carried by ctx. Detail keys
// are prefixed so they cannot shadow the event's own fields.
func (a *LogAuditor) Record(ctx context.Context, event *AuditEvent) {
	if a == nil || a.logger == nil || event == nil {
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = GetClientIP(ctx)
	}

	fields := []interface{}{
		"audit_id", event.ID,
		"event_type", string(event.EventType),
		"action", event.Action,
		"status", string(event.Status),
		"severity", string(event.Severity),
	}
	optional := [][2]string{
		{"provider", event.Provider},
		{"resource", event.Resource},
		{"ip_address", event.IPAddress},
		{"error", event.ErrorMessage},
	}
	for _, kv := range optional {
		if kv[1] != "" {
			fields = append(fields, kv[0], kv[1])
		}
	}
	for k, v := range event.Details {
		fields = append(fields, "detail."+k, v)
	}

	switch {
	case event.Severity == SeverityError:
		a.logger.ErrorWithContext(ctx, "audit", fields...)
	case event.Severity == SeverityWarning, event.Status == StatusFailure:
		a.logger.WarnWithContext(ctx, "audit", fields...)
	default:
		a.logger.InfoWithContext(ctx, "audit", fields...)
	}
}

// NopAuditor drops every event.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, *AuditEvent) {}

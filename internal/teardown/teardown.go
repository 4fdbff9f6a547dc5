// Package teardown clears a device's credentials across all three places
// they live: the local cache, the custody service and the provider.
package teardown

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokenvault/tokenvault/internal/besteffort"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

// Credentials is the local credential cache.
type Credentials interface {
	Load(ctx context.Context, p models.Provider) (*models.Credential, error)
	Clear(ctx context.Context, p models.Provider) error
	LinkedProviders(ctx context.Context) ([]models.Provider, error)
}

// Revoker builds provider-side revocations.
type Revoker interface {
	RevokeOp(p models.Provider, accessToken string) besteffort.Op
}

// Custody builds remote custody deletes.
type Custody interface {
	DeleteOp(tokenRef string) besteffort.Op
}

// Orchestrator runs logout and full deletion.
type Orchestrator struct {
	credentials Credentials
	revoker     Revoker
	custody     Custody
	runner      *besteffort.Runner
	logger      *logging.Logger
	auditor     logging.Auditor
}

type Option func(*Orchestrator)

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithAuditor(a logging.Auditor) Option {
	return func(o *Orchestrator) {
		o.auditor = a
	}
}

// WithRunner overrides the best-effort runner, mainly so tests can Wait on
// fired operations.
func WithRunner(r *besteffort.Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// New builds an Orchestrator. revoker and custody may be nil, in which case
// the corresponding remote step is skipped.
func New(credentials Credentials, revoker Revoker, custody Custody, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		credentials: credentials,
		revoker:     revoker,
		custody:     custody,
		logger:      logging.Discard(),
		auditor:     logging.NopAuditor{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		o.runner = besteffort.NewRunner(o.logger, besteffort.DefaultTimeout)
	}
	return o
}

// Logout fires the provider revoke and the custody delete for p, then clears
// the local entries synchronously. Only a local failure is returned.
func (o *Orchestrator) Logout(ctx context.Context, p models.Provider) error {
	o.runner.Fire(ctx, o.remoteOps(ctx, p)...)

	if err := o.credentials.Clear(context.WithoutCancel(ctx), p); err != nil {
		o.auditor.Record(ctx, logging.NewAuditEvent(logging.Teardown, "logout", logging.StatusFailure).
			WithProvider(p.String()).
			WithError(err))
		return fmt.Errorf("clear local credentials for %s: %w", p, err)
	}

	o.auditor.Record(ctx, logging.NewAuditEvent(logging.Teardown, "logout", logging.StatusSuccess).
		WithProvider(p.String()))
	o.logger.InfoWithContext(ctx, "logged out", "provider", p.String())
	return nil
}

// Report describes a DeleteAll run.
type Report struct {
	Remote []besteffort.Result
	Local  []LocalResult
}

// LocalResult is the outcome of clearing one provider's local entries.
type LocalResult struct {
	Provider models.Provider
	Err      error
}

// LocalCleared reports whether every provider's local entries were removed.
func (r Report) LocalCleared() bool {
	for _, l := range r.Local {
		if l.Err != nil {
			return false
		}
	}
	return true
}

// RemoteFailures counts remote steps that failed.
func (r Report) RemoteFailures() int {
	n := 0
	for _, res := range r.Remote {
		if !res.OK() {
			n++
		}
	}
	return n
}

// Err joins the local failures. Remote failures never make a report fail.
func (r Report) Err() error {
	var errs []error
	for _, l := range r.Local {
		if l.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Provider, l.Err))
		}
	}
	return errors.Join(errs...)
}

// DeleteAll revokes and deletes remotely for every linked provider and waits
// for the results, then clears local state for every known provider. The
// local clear runs even when ctx is already done.
func (o *Orchestrator) DeleteAll(ctx context.Context) Report {
	var ops []besteffort.Op
	for _, p := range o.linked(ctx) {
		ops = append(ops, o.remoteOps(ctx, p)...)
	}

	var report Report
	if len(ops) > 0 {
		report.Remote = o.runner.Await(ctx, ops...)
	}

	local := context.WithoutCancel(ctx)
	for _, p := range models.Providers() {
		report.Local = append(report.Local, LocalResult{Provider: p, Err: o.credentials.Clear(local, p)})
	}

	event := logging.NewAuditEvent(logging.Teardown, "delete_all", logging.StatusSuccess).
		WithDetails(map[string]interface{}{
			"remote_steps":    len(report.Remote),
			"remote_failures": report.RemoteFailures(),
		})
	if err := report.Err(); err != nil {
		event.WithError(err)
	}
	o.auditor.Record(ctx, event)
	return report
}

func (o *Orchestrator) linked(ctx context.Context) []models.Provider {
	providers, err := o.credentials.LinkedProviders(ctx)
	if err != nil {
		o.logger.WarnWithContext(ctx, "listing linked providers failed", "error", err.Error())
		return models.Providers()
	}
	return providers
}

// remoteOps reads what is needed for the remote steps before local state is
// cleared. A credential that cannot be read yields no remote steps.
func (o *Orchestrator) remoteOps(ctx context.Context, p models.Provider) []besteffort.Op {
	cred, err := o.credentials.Load(ctx, p)
	if err != nil {
		o.logger.WarnWithContext(ctx, "reading credential for teardown failed",
			"provider", p.String(),
			"error", err.Error(),
		)
		return nil
	}
	if cred == nil {
		return nil
	}

	var ops []besteffort.Op
	if o.revoker != nil && cred.AccessToken != "" {
		ops = append(ops, o.revoker.RevokeOp(p, cred.AccessToken))
	}
	if o.custody != nil && cred.TokenRef != "" {
		ops = append(ops, o.custody.DeleteOp(cred.TokenRef))
	}
	return ops
}

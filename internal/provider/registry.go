package provider

import (
	"context"

	"github.com/tokenvault/tokenvault/internal/besteffort"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/models"
)

// Registry looks adapters up by provider.
type Registry struct {
	adapters map[models.Provider]*Adapter
}

func NewRegistry(adapters ...*Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]*Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Provider()] = a
		}
	}
	return r
}

// Get returns the adapter for p or a ValidationError when none is configured.
func (r *Registry) Get(p models.Provider) (*Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, &tverrors.ValidationError{Field: "provider", Reason: "provider " + p.String() + " is not configured"}
	}
	return a, nil
}

// Providers lists the configured providers in canonical order.
func (r *Registry) Providers() []models.Provider {
	var out []models.Provider
	for _, p := range models.Providers() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Refresh dispatches to the provider's adapter.
func (r *Registry) Refresh(ctx context.Context, p models.Provider, refreshToken string) (models.Tokens, error) {
	a, err := r.Get(p)
	if err != nil {
		return models.Tokens{}, &tverrors.ReauthRequiredError{Provider: p.String(), Reason: "provider not configured", Err: err}
	}
	return a.Refresh(ctx, refreshToken)
}

// RevokeOp returns the best-effort revoke for p. An unconfigured provider
// yields an op that fails without doing any I/O.
func (r *Registry) RevokeOp(p models.Provider, accessToken string) besteffort.Op {
	a, err := r.Get(p)
	if err != nil {
		return besteffort.Op{
			Name: "revoke:" + p.String(),
			Run:  func(context.Context) error { return err },
		}
	}
	return a.RevokeOp(accessToken)
}

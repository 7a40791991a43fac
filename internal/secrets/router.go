package secrets

import (
	"context"
	"fmt"
)

// Router dispatches each reference to the provider registered for its
// scheme.
type Router struct {
	providers map[string]Provider
}

// NewRouter returns a Router with the env provider registered. vault may be
// nil, in which case vault:// references fail.
func NewRouter(vault *VaultProvider) *Router {
	r := &Router{providers: map[string]Provider{"env": NewEnvProvider()}}
	if vault != nil {
		r.providers["vault"] = vault
	}
	return r
}

func (r *Router) Name() string { return "router" }

func (r *Router) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme := Scheme(ref)
	p, ok := r.providers[scheme]
	if !ok {
		if scheme == "" {
			return nil, fmt.Errorf("%w: not a credential reference", ErrSecretNotFound)
		}
		return nil, fmt.Errorf("%w: no %s backend configured", ErrSecretNotFound, scheme)
	}
	return p.Resolve(ctx, ref)
}

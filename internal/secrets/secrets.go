// Package secrets resolves credential references in tool server launch
// settings. A server env or header value of the form "env://NAME" or
// "vault://path#field" is replaced with the secret before the server is
// started, so credentials never live in the config file.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Secret holds resolved credential material. Never log Value.
type Secret struct {
	Value    string
	Metadata map[string]string // Backend-specific, e.g. path and field.
}

// Provider resolves one credential reference. Implementations must be safe
// for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, ref string) (*Secret, error)
	// Name identifies the backend in logs.
	Name() string
}

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// Scheme returns the reference scheme of v ("env", "vault") or "" when v is
// a literal value.
func Scheme(v string) string {
	scheme, rest, ok := strings.Cut(v, "://")
	if !ok || rest == "" {
		return ""
	}
	switch scheme {
	case "env", "vault":
		return scheme
	}
	return ""
}

// ResolveMap returns a copy of m with every reference value replaced by its
// secret. Literal values pass through unchanged. Errors name the key, never
// the value.
func ResolveMap(ctx context.Context, p Provider, m map[string]string) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if Scheme(v) == "" {
			out[k] = v
			continue
		}
		s, err := p.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", k, err)
		}
		out[k] = s.Value
	}
	return out, nil
}

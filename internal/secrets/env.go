package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads "env://NAME" references from the process environment.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: not an env reference", ErrSecretNotFound)
	}
	value, set := os.LookupEnv(name)
	if !set || value == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, name)
	}
	return &Secret{Value: value, Metadata: map[string]string{"source": "env", "variable": name}}, nil
}

package environment

import (
	"context"
	"strings"
)

// Environment represents the build configuration.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Parse normalizes an environment name. Short aliases are accepted;
// anything unknown is treated as development.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return Production
	case "staging", "stage":
		return Staging
	default:
		return Development
	}
}

func (e Environment) IsProduction() bool { return e == Production }

// Store returns the store environment a build of this kind normally talks to.
func (e Environment) Store() Store {
	if e == Production {
		return StoreProduction
	}
	return StoreSandbox
}

// Accepts reports whether a transaction issued in the given store
// environment may grant entitlements in this build.
func (e Environment) Accepts(s Store) bool {
	if s == StoreProduction {
		return true
	}
	return e != Production
}

type contextKey struct{}

func WithContext(ctx context.Context, env Environment) context.Context {
	return context.WithValue(ctx, contextKey{}, env)
}

// FromContext returns the environment stored in ctx, or Development.
func FromContext(ctx context.Context) Environment {
	if ctx == nil {
		return Development
	}
	if env, ok := ctx.Value(contextKey{}).(Environment); ok && env != "" {
		return env
	}
	return Development
}

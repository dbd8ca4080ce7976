// Package secrets resolves sensitive configuration values that may be given
// either as a literal string or as a reference into an external secrets
// backend, using an awssm:// or vault:// URI-style prefix.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver fetches a secret value by a backend-specific reference (the
// part of the configured value after its scheme prefix).
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

const (
	awsSecretsManagerPrefix = "awssm://"
	vaultPrefix             = "vault://"
)

// CompositeResolver dispatches to an AWS Secrets Manager or Vault backend
// based on the value's scheme prefix. Either field may be nil if that
// backend is not configured; a value needing it is then a fatal error.
type CompositeResolver struct {
	AWS   Resolver
	Vault Resolver
}

// Resolve inspects value for a known secret-reference prefix and resolves
// it via the matching backend; a value with no recognised prefix is
// returned unchanged. A prefixed value whose backend is unconfigured or
// fails is a fatal configuration error, never silently treated as empty.
func Resolve(resolver *CompositeResolver, value string) (string, error) {
	if value == "" {
		return "", nil
	}

	var backend Resolver
	var prefix string
	switch {
	case strings.HasPrefix(value, awsSecretsManagerPrefix):
		prefix = awsSecretsManagerPrefix
		if resolver != nil {
			backend = resolver.AWS
		}
	case strings.HasPrefix(value, vaultPrefix):
		prefix = vaultPrefix
		if resolver != nil {
			backend = resolver.Vault
		}
	default:
		return value, nil
	}

	if backend == nil {
		return "", fmt.Errorf("secret reference %q given but no resolver configured for its backend", value)
	}
	resolved, err := backend.Resolve(context.Background(), strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", value, err)
	}
	return resolved, nil
}

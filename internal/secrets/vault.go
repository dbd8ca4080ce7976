package secrets

import (
	"context"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultResolver resolves vault:// references of the form "path#key" against
// a HashiCorp Vault KV store.
type VaultResolver struct {
	client *vaultapi.Client
}

// NewVaultResolver builds a resolver from the standard VAULT_ADDR/VAULT_TOKEN
// environment configuration.
func NewVaultResolver() (*VaultResolver, error) {
	client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("building vault client: %w", err)
	}
	return &VaultResolver{client: client}, nil
}

// Resolve fetches path#key, splitting on the last '#' to separate the
// secret path from the field name within it.
func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	i := strings.LastIndex(ref, "#")
	if i < 0 {
		return "", fmt.Errorf("vault reference %q must be of the form path#key", ref)
	}
	path, key := ref[:i], ref[i+1:]

	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("reading vault path %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %q has no data", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested // KV v2 wraps the actual fields under "data"
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault path %q has no field %q", path, key)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault path %q field %q is not a string", path, key)
	}
	return str, nil
}

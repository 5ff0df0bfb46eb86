package registryauth

import (
	"context"
	"fmt"

	"github.com/contree/broker/internal/cache"
)

// registryTokenKind is the General Cache kind the import-image flow reads
// cached credentials from. Rows under this kind are written by the
// interactive registry-auth surface, which lives outside this package.
const registryTokenKind = "registry_token"

// RegistryToken is the cached credential payload for one registry host.
type RegistryToken struct {
	Registry string   `json:"registry"`
	Username string   `json:"username"`
	Token    string   `json:"token"`
	Scopes   []string `json:"scopes,omitempty"`
}

// ResolveCredentials resolves credentials for an image import: look up a
// cached registry_token by hostname, re-validate it
// against the registry, delete it and fail with *AuthError if validation
// fails (unless the caller opted into anonymous access), otherwise return
// the (username, token) pair for the submission. No credentials at all
// falls into the same anonymous-or-fail branch as a stale one.
func (r *RegistryAuth) ResolveCredentials(ctx context.Context, store *cache.Store, anonymous bool) (username, token string, err error) {
	entry, err := store.Get(ctx, registryTokenKind, r.Registry, 0)
	if err != nil {
		return "", "", fmt.Errorf("registryauth: looking up cached token for %s: %w", r.Registry, err)
	}

	if entry != nil {
		var cached RegistryToken
		if err := entry.DataAs(&cached); err != nil {
			return "", "", fmt.Errorf("registryauth: decoding cached token for %s: %w", r.Registry, err)
		}

		valid, err := r.ValidateToken(ctx, cached.Username, cached.Token)
		if err != nil {
			return "", "", fmt.Errorf("registryauth: validating cached token for %s: %w", r.Registry, err)
		}

		if valid {
			return cached.Username, cached.Token, nil
		}

		if _, err := store.Delete(ctx, registryTokenKind, r.Registry); err != nil {
			return "", "", fmt.Errorf("registryauth: deleting stale token for %s: %w", r.Registry, err)
		}
	}

	if !anonymous {
		return "", "", &AuthError{Registry: r.Registry}
	}

	return "", "", nil
}

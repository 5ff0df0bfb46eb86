package broker

import (
	"context"
	"fmt"

	"github.com/contree/broker/internal/remoteclient"
)

// ImportImage resolves registry credentials for req.RegistryURL and submits
// the import, composing the registry auth helper with the remote client.
// When anonymous is true, a registry with no valid cached credentials is
// imported without a username/password rather than failing closed.
func (c *Context) ImportImage(ctx context.Context, req remoteclient.ImportImageRequest, anonymous bool) (string, error) {
	auth := c.NewRegistryAuth(req.RegistryURL)

	username, token, err := auth.ResolveCredentials(ctx, c.GeneralCache, anonymous)
	if err != nil {
		return "", fmt.Errorf("broker: resolving registry credentials: %w", err)
	}

	req.Username = username
	req.Password = token

	return c.Remote.ImportImage(ctx, req)
}

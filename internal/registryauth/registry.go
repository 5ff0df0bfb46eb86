// Package registryauth implements the OCI distribution v2 bearer-token flow
// used to import images from a registry: URL normalization,
// WWW-Authenticate-based endpoint discovery, cached-credential validation,
// and scoped token acquisition. Unlike internal/remoteclient, these calls
// are not retried; a failed auth round-trip surfaces to the caller directly.
package registryauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ErrProtocol marks a registry response that doesn't fit the OCI
// distribution v2 challenge/response shapes this helper understands.
var ErrProtocol = errors.New("registryauth: protocol violation")

// AuthError reports that there are no usable credentials for a registry
// and the caller did not opt into anonymous access.
type AuthError struct {
	Registry string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registryauth: no valid credentials for registry %q", e.Registry)
}

// registryAPIHosts maps a registry hostname to the hostname its v2 API
// actually lives at.
var registryAPIHosts = map[string]string{
	"docker.io": "registry-1.docker.io",
}

// KnownRegistries maps well-known registry hostnames to their
// personal-access-token creation page, for a future CLI hint. Not used
// for authentication itself.
var KnownRegistries = map[string]string{
	"docker.io":           "https://app.docker.com/settings/personal-access-tokens",
	"ghcr.io":             "https://github.com/settings/tokens?type=beta",
	"registry.gitlab.com": "https://gitlab.com/-/user_settings/personal_access_tokens",
	"gcr.io":              "https://console.cloud.google.com/apis/credentials",
	"us.gcr.io":           "https://console.cloud.google.com/apis/credentials",
	"eu.gcr.io":           "https://console.cloud.google.com/apis/credentials",
	"asia.gcr.io":         "https://console.cloud.google.com/apis/credentials",
}

var (
	realmPattern   = regexp.MustCompile(`realm="([^"]+)"`)
	servicePattern = regexp.MustCompile(`service="([^"]+)"`)
)

// Endpoint is the token endpoint discovered from a registry's /v2/
// response.
type Endpoint struct {
	Realm   string
	Service string
}

// RegistryAuth handles endpoint discovery, token validation, and scoped
// token acquisition for one registry host.
type RegistryAuth struct {
	Registry string

	httpClient *http.Client
	logger     *slog.Logger

	endpoint *Endpoint // discovered once, cached for the instance lifetime
}

// New creates a RegistryAuth for the given already-resolved registry
// hostname. Use FromImageURL to derive the hostname from a user-supplied
// image reference.
func New(registry string, httpClient *http.Client, logger *slog.Logger) *RegistryAuth {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RegistryAuth{Registry: registry, httpClient: httpClient, logger: logger}
}

// FromImageURL derives a RegistryAuth from a user-supplied image reference,
// normalizing oci:// to docker:// and defaulting a bare image name to
// docker.io.
func FromImageURL(imageURL string, httpClient *http.Client, logger *slog.Logger) *RegistryAuth {
	return New(hostFromImageURL(imageURL), httpClient, logger)
}

// NormalizeRegistryURL rewrites oci:// to docker:// and adds docker://
// docker.io/ to a bare image reference.
func NormalizeRegistryURL(registryURL string) string {
	registryURL = rewriteOCIScheme(registryURL)

	if !strings.Contains(registryURL, "://") {
		return fmt.Sprintf("docker://docker.io/%s", registryURL)
	}

	return registryURL
}

func rewriteOCIScheme(registryURL string) string {
	if strings.HasPrefix(registryURL, "oci://") {
		return "docker://" + strings.TrimPrefix(registryURL, "oci://")
	}

	return registryURL
}

func hostFromImageURL(imageURL string) string {
	imageURL = rewriteOCIScheme(imageURL)

	if !strings.Contains(imageURL, "://") {
		return "docker.io"
	}

	u, err := url.Parse(imageURL)
	if err != nil || u.Host == "" {
		return "docker.io"
	}

	return u.Host
}

// APIHost returns the hostname the registry's v2 API actually lives at.
func (r *RegistryAuth) APIHost() string {
	if host, ok := registryAPIHosts[r.Registry]; ok {
		return host
	}

	return r.Registry
}

// PATURL returns the personal-access-token creation URL for this registry,
// or "" if it is not a well-known registry.
func (r *RegistryAuth) PATURL() string {
	return KnownRegistries[r.Registry]
}

// IsKnown reports whether this registry has a known PAT creation URL.
func (r *RegistryAuth) IsKnown() bool {
	_, ok := KnownRegistries[r.Registry]
	return ok
}

// DiscoverEndpoint finds the token endpoint via /v2/'s WWW-Authenticate
// challenge, falling back to /v2/_catalog when /v2/ answers 200 without
// challenging. The result is cached
// for the lifetime of this RegistryAuth.
func (r *RegistryAuth) DiscoverEndpoint(ctx context.Context) (*Endpoint, error) {
	if r.endpoint != nil {
		return r.endpoint, nil
	}

	baseURL := fmt.Sprintf("https://%s/v2/", r.APIHost())
	catalogURL := fmt.Sprintf("https://%s/v2/_catalog", r.APIHost())

	ep, err := r.discoverEndpointAt(ctx, baseURL, catalogURL)
	if err != nil {
		return nil, err
	}

	r.endpoint = ep

	return ep, nil
}

// discoverEndpointAt is DiscoverEndpoint's logic against explicit URLs, kept
// separate so tests can point it at an httptest server instead of a real
// TLS-hostnamed registry.
func (r *RegistryAuth) discoverEndpointAt(ctx context.Context, baseURL, catalogURL string) (*Endpoint, error) {
	resp, err := r.get(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: requesting %s: %w", ErrProtocol, baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if ep := parseWWWAuthenticate(resp.Header.Get("WWW-Authenticate")); ep != nil {
			return ep, nil
		}
	}

	if resp.StatusCode == http.StatusOK {
		catalogResp, catalogErr := r.get(ctx, catalogURL)
		if catalogErr == nil {
			defer catalogResp.Body.Close()

			if catalogResp.StatusCode == http.StatusUnauthorized {
				if ep := parseWWWAuthenticate(catalogResp.Header.Get("WWW-Authenticate")); ep != nil {
					return ep, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("%w: could not discover auth endpoint for registry %s", ErrProtocol, r.Registry)
}

func parseWWWAuthenticate(header string) *Endpoint {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}

	realmMatch := realmPattern.FindStringSubmatch(header)
	if realmMatch == nil {
		return nil
	}

	endpoint := &Endpoint{Realm: realmMatch[1]}

	if serviceMatch := servicePattern.FindStringSubmatch(header); serviceMatch != nil {
		endpoint.Service = serviceMatch[1]
	}

	return endpoint
}

// ValidateToken reports whether username/token is currently accepted by the
// registry's token endpoint.
func (r *RegistryAuth) ValidateToken(ctx context.Context, username, token string) (bool, error) {
	endpoint, err := r.DiscoverEndpoint(ctx)
	if err != nil {
		return false, nil //nolint:nilerr // discovery failure means "not valid", not a caller-facing error
	}

	req, err := r.newRequest(ctx, endpoint.Realm, map[string]string{"service": endpoint.Service})
	if err != nil {
		return false, err
	}

	req.SetBasicAuth(username, token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("registryauth: validating token: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// GetBearerToken exchanges a validated username/token pair for a
// scope-limited bearer token. Returns "", nil on a non-200
// response — the caller (import-image flow) decides what that means.
func (r *RegistryAuth) GetBearerToken(ctx context.Context, username, token, scope string) (string, error) {
	endpoint, err := r.DiscoverEndpoint(ctx)
	if err != nil {
		return "", err
	}

	req, err := r.newRequest(ctx, endpoint.Realm, map[string]string{
		"service": endpoint.Service,
		"scope":   scope,
	})
	if err != nil {
		return "", err
	}

	req.SetBasicAuth(username, token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("registryauth: fetching bearer token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var body struct {
		Token string `json:"token"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %w", ErrProtocol, err)
	}

	return body.Token, nil
}

func (r *RegistryAuth) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	return r.httpClient.Do(req)
}

func (r *RegistryAuth) newRequest(ctx context.Context, target string, params map[string]string) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid realm URL %q: %w", ErrProtocol, target, err)
	}

	q := u.Query()

	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}

	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("registryauth: building request: %w", err)
	}

	return req, nil
}

package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/distribution/reference"
	"github.com/raffis/rageta-agent/internal/execution"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/sethvargo/go-retry"
)

// ManagedIdentityUsername is the registry user name used with an exchanged refresh token.
const ManagedIdentityUsername = "00000000-0000-0000-0000-000000000000"

const (
	identityScope         = "https://management.azure.com/.default"
	tokenExchangeAttempts = 5
)

type tokenExchangeOption func(*TokenExchanger)

// WithIdentityCredential replaces the managed identity of the host.
func WithIdentityCredential(cred azcore.TokenCredential) tokenExchangeOption {
	return func(t *TokenExchanger) {
		t.identity = cred
	}
}

func WithRegistryScheme(scheme string) tokenExchangeOption {
	return func(t *TokenExchanger) {
		t.registryScheme = scheme
	}
}

func WithHTTPClient(client *http.Client) tokenExchangeOption {
	return func(t *TokenExchanger) {
		t.client = client
	}
}

func WithExchangeBackoff(backoff func() retry.Backoff) tokenExchangeOption {
	return func(t *TokenExchanger) {
		t.backoff = backoff
	}
}

// TokenExchanger turns a managed identity into a registry password.
type TokenExchanger struct {
	client         *http.Client
	identity       azcore.TokenCredential
	registryScheme string
	backoff        func() retry.Backoff
}

func NewTokenExchanger(opts ...tokenExchangeOption) *TokenExchanger {
	t := &TokenExchanger{
		client:         &http.Client{Timeout: 30 * time.Second},
		registryScheme: "https",
		backoff: func() retry.Backoff {
			return retry.NewExponential(time.Second)
		},
	}

	for _, o := range opts {
		o(t)
	}

	return t
}

// Exchange fetches an identity token and exchanges it at the registry for a refresh token.
func (t *TokenExchanger) Exchange(ctx context.Context, loginServer, tenantID string) (string, error) {
	identity := t.identity
	if identity == nil {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return "", fmt.Errorf("failed to create managed identity credential: %w", err)
		}

		identity = cred
	}

	accessToken, err := identity.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{identityScope}})
	if err != nil {
		return "", fmt.Errorf("failed to acquire identity token: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "access_token")
	form.Set("service", loginServer)
	form.Set("tenant", tenantID)
	form.Set("access_token", accessToken.Token)

	var refreshToken struct {
		RefreshToken string `json:"refresh_token"`
	}

	exchangeURL := fmt.Sprintf("%s://%s/oauth2/exchange", t.registryScheme, loginServer)
	err = t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, exchangeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, &refreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to exchange registry token: %w", err)
	}

	if refreshToken.RefreshToken == "" {
		return "", errors.New("registry returned an empty refresh token")
	}

	return refreshToken.RefreshToken, nil
}

var errTooManyRequests = errors.New("too many requests")

func (t *TokenExchanger) do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error), out any) error {
	backoff := retry.WithMaxRetries(tokenExchangeAttempts-1, t.backoff())

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := newRequest(ctx)
		if err != nil {
			return err
		}

		res, err := t.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}

		defer func() {
			_ = res.Body.Close()
		}()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return retry.RetryableError(err)
		}

		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(errTooManyRequests)
		case res.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("unexpected status %d", res.StatusCode))
		case res.StatusCode >= 300:
			return fmt.Errorf("unexpected status %d: %s", res.StatusCode, string(body))
		}

		return json.Unmarshal(body, out)
	})
}

// registryAuth resolves the credentials of the registry endpoint declared for a container.
// A nil result means the engine falls back to its own credential store.
func (m *Manager) registryAuth(ctx context.Context, ec *execution.Context, spec Spec) (*RegistryAuth, error) {
	if spec.RegistryEndpoint == "" {
		return nil, nil
	}

	endpoint, ok := ec.Endpoint(spec.RegistryEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: endpoint `%s` not found", ErrRegistryCredentials, spec.RegistryEndpoint)
	}

	server := registryServer(endpoint, spec.Image)
	params := endpoint.Authorization.Parameters

	switch endpoint.Authorization.Scheme {
	case v1.AuthorizationSchemeUsernamePassword, "":
		return &RegistryAuth{
			Username:      params["username"],
			Password:      params["password"],
			ServerAddress: server,
		}, nil
	case v1.AuthorizationSchemeServicePrincipal:
		return &RegistryAuth{
			Username:      params["serviceprincipalid"],
			Password:      params["serviceprincipalkey"],
			ServerAddress: server,
		}, nil
	case v1.AuthorizationSchemeManagedServiceIdentity:
		token, err := m.tokens.Exchange(ctx, server, params["tenantid"])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistryCredentials, err)
		}

		ec.Variables.Secrets().AddSecrets(token)
		return &RegistryAuth{
			Username:      ManagedIdentityUsername,
			Password:      token,
			ServerAddress: server,
		}, nil
	}

	return nil, fmt.Errorf("%w: unsupported authorization scheme `%s`", ErrRegistryCredentials, endpoint.Authorization.Scheme)
}

func registryServer(endpoint v1.ServiceEndpoint, image string) string {
	for _, key := range []string{"loginServer", "registry"} {
		if v := endpoint.Data[key]; v != "" {
			return stripScheme(v)
		}
	}

	if endpoint.URL != "" {
		return stripScheme(endpoint.URL)
	}

	if ref, err := reference.ParseNormalizedNamed(image); err == nil {
		return reference.Domain(ref)
	}

	return ""
}

func stripScheme(s string) string {
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		return u.Host
	}

	return strings.TrimSuffix(s, "/")
}

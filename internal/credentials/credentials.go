// Package credentials models the auxiliary credentials provider described
// in spec §4.8, grounded on original_source/src/simple_obs/credentials.rs's
// IamProvider/AutoRefreshingProvider pair.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Credentials is a short-lived access/secret pair with an expiry.
type Credentials struct {
	Access        string
	Secret        string
	SecurityToken string
	Expiry        time.Time
}

// expired reports whether the credentials are expired or will expire within
// the next 20 seconds, per spec §4.8 ("expiry strictly less than now+20s").
func (c Credentials) expired(now time.Time) bool {
	return c.Expiry.Before(now.Add(20 * time.Second))
}

// Provider produces Credentials, possibly refreshing an upstream source.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// imdsResponse is the subset of an instance-metadata-style JSON credentials
// document the provider understands.
type imdsResponse struct {
	Access        string `json:"access"`
	Secret        string `json:"secret"`
	SecurityToken string `json:"securitytoken"`
	ExpiresAt     string `json:"expires_at"`
}

// IMDSProvider fetches credentials from a metadata-service style HTTP
// endpoint, e.g. the OpenStack/IMDS security-key URL the original mirror
// used. No pack library wraps this better than a direct net/http GET: it is
// a single unauthenticated JSON GET against a fixed local endpoint, which is
// exactly the shape net/http.Client already covers (see DESIGN.md).
type IMDSProvider struct {
	URL    string
	Client *http.Client
}

// NewIMDSProvider builds a provider against url, defaulting the HTTP client
// if none is supplied.
func NewIMDSProvider(url string, client *http.Client) *IMDSProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &IMDSProvider{URL: url, Client: client}
}

func (p *IMDSProvider) Credentials(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Connection", "close")
	resp, err := p.Client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("credentials: unexpected status %d", resp.StatusCode)
	}
	var wrapper struct {
		Credential imdsResponse `json:"credential"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return Credentials{}, fmt.Errorf("credentials: decode: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, wrapper.Credential.ExpiresAt)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: parse expiry: %w", err)
	}
	return Credentials{
		Access:        wrapper.Credential.Access,
		Secret:        wrapper.Credential.Secret,
		SecurityToken: wrapper.Credential.SecurityToken,
		Expiry:        expiresAt,
	}, nil
}

// AutoRefreshing wraps a Provider, caching the last successful Credentials
// and only reissuing a fetch once they are within 20s of expiring. Access
// is serialized so concurrent callers collapse onto a single refresh.
type AutoRefreshing struct {
	mu     sync.Mutex
	source Provider
	cached *Credentials
	now    func() time.Time
}

// NewAutoRefreshing wraps source with a cache.
func NewAutoRefreshing(source Provider) *AutoRefreshing {
	return &AutoRefreshing{source: source, now: time.Now}
}

func (a *AutoRefreshing) Credentials(ctx context.Context) (Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != nil && !a.cached.expired(a.now()) {
		return *a.cached, nil
	}
	fresh, err := a.source.Credentials(ctx)
	if err != nil {
		return Credentials{}, err
	}
	a.cached = &fresh
	return fresh, nil
}

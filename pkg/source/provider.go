// Package source acquires plugin sources: authenticated git clones, archive
// bundles expanded from the artifact store, and standalone VCS credential
// validation against the provider's identity endpoint.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// Provider represents a VCS platform (GitHub, GitLab, Azure DevOps).
// Implementations translate a stored credential into the platform's
// "who am I" call so the acquirer can confirm a token belongs to the
// username it was registered with.
type Provider interface {
	// Name returns the short identifier (e.g. "github", "gitlab").
	Name() string

	// Matches reports whether the provider serves the given host.
	Matches(host string) bool

	// Identity calls the platform's identity endpoint with the token and
	// returns the authenticated login name.
	Identity(ctx context.Context, client *http.Client, domain, username, token string) (string, error)
}

var (
	mu        sync.RWMutex
	providers = map[string]Provider{}
)

// Register makes a Provider available by its Name().
// It is typically called from an init() function.
func Register(p Provider) {
	mu.Lock()
	defer mu.Unlock()
	providers[p.Name()] = p
}

// Get returns the Provider with the given name, or an error if not found.
func Get(name string) (Provider, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown VCS provider %q (available: %v)", name, Names())
	}
	return p, nil
}

// Names returns the registered provider names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// Detect resolves the provider serving rawURL, consulting host overrides
// first and then each provider's own host match.
func Detect(rawURL string, overrides map[string]string) (Provider, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, apperrors.Ef(apperrors.KindBadRequest, "invalid repository URL %q", rawURL)
	}
	host := strings.ToLower(u.Host)
	if name, ok := overrides[host]; ok {
		return Get(name)
	}
	mu.RLock()
	defer mu.RUnlock()
	for _, p := range providers {
		if p.Matches(host) {
			return p, nil
		}
	}
	return nil, apperrors.Ef(apperrors.KindBadRequest, "no VCS provider recognises host %q", host)
}

// ValidateCredentials detects the provider from url, asks it who the token
// belongs to, and confirms the identity matches username. Any mismatch or
// upstream rejection is an AuthFailed error.
func ValidateCredentials(ctx context.Context, client *http.Client, username, token, rawURL string, overrides map[string]string) error {
	p, err := Detect(rawURL, overrides)
	if err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	identity, err := p.Identity(ctx, client, u.Host, username, token)
	if err != nil {
		return apperrors.E(apperrors.KindAuthFailed, fmt.Sprintf("%s credential check failed", p.Name()), err)
	}
	if identity != username {
		return apperrors.Ef(apperrors.KindAuthFailed,
			"token belongs to %q, not %q", identity, username)
	}
	return nil
}

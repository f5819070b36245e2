package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GitHubProvider implements Provider for github.com and GitHub Enterprise.
type GitHubProvider struct{}

func init() {
	Register(&GitHubProvider{})
}

var _ Provider = (*GitHubProvider)(nil)

func (g *GitHubProvider) Name() string { return "github" }

func (g *GitHubProvider) Matches(host string) bool {
	return strings.Contains(host, "github")
}

// APIBaseURL computes the REST API base for a given GitHub instance.
// For github.com it returns "https://api.github.com"; for GitHub Enterprise
// Server (e.g. "git.corp.com") it returns "https://git.corp.com/api/v3".
func (g *GitHubProvider) APIBaseURL(domain string) string {
	if domain == "github.com" || domain == "" {
		return "https://api.github.com"
	}
	return "https://" + domain + "/api/v3"
}

func (g *GitHubProvider) Identity(ctx context.Context, client *http.Client, domain, _ string, token string) (string, error) {
	return g.identityAt(ctx, client, g.APIBaseURL(domain), token)
}

func (g *GitHubProvider) identityAt(ctx context.Context, client *http.Client, base, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+token)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github identity endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Login, nil
}

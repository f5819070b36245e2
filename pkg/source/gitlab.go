package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GitLabProvider implements Provider for gitlab.com and self-managed GitLab.
type GitLabProvider struct{}

func init() {
	Register(&GitLabProvider{})
}

var _ Provider = (*GitLabProvider)(nil)

func (g *GitLabProvider) Name() string { return "gitlab" }

func (g *GitLabProvider) Matches(host string) bool {
	return strings.Contains(host, "gitlab")
}

func (g *GitLabProvider) Identity(ctx context.Context, client *http.Client, domain, _ string, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain+"/api/v4/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gitlab identity endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Username, nil
}

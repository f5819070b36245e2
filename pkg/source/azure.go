package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AzureProvider implements Provider for Azure DevOps. The "username" slot of
// an Azure credential holds the organization; identity comes back from the
// connection-data endpoint.
type AzureProvider struct{}

func init() {
	Register(&AzureProvider{})
}

var _ Provider = (*AzureProvider)(nil)

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) Matches(host string) bool {
	return strings.Contains(host, "azure") || strings.Contains(host, "visualstudio")
}

func (a *AzureProvider) Identity(ctx context.Context, client *http.Client, domain, username, token string) (string, error) {
	endpoint := fmt.Sprintf("https://%s/%s/_apis/connectionData?api-version=7.1-preview.1", domain, username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth("", token)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("azure identity endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		AuthenticatedUser struct {
			UserName string `json:"userName"`
		} `json:"authenticatedUser"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.AuthenticatedUser.UserName, nil
}

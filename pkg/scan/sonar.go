package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/unifytwin/plugin-manager/pkg/model"
)

// sonarClient fetches issues from the analysis server's search API.
type sonarClient struct {
	host   string
	token  string
	client *http.Client
}

func (c *sonarClient) Issues(ctx context.Context, project, issueType string) ([]model.SASTFinding, error) {
	httpClient := c.client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	q := url.Values{}
	q.Set("componentKeys", project)
	q.Set("types", issueType)
	q.Set("statuses", "OPEN,CONFIRMED,REOPENED")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/issues/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.token, "")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("issue search returned %d", resp.StatusCode)
	}

	var body struct {
		Issues []struct {
			Rule      string `json:"rule"`
			Severity  string `json:"severity"`
			Component string `json:"component"`
			Line      int    `json:"line"`
			Message   string `json:"message"`
			Type      string `json:"type"`
		} `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	findings := make([]model.SASTFinding, 0, len(body.Issues))
	for _, issue := range body.Issues {
		findings = append(findings, model.SASTFinding{
			Type:     issue.Type,
			File:     issue.Component,
			Severity: issue.Severity,
			Line:     issue.Line,
			Message:  issue.Message,
			Rule:     issue.Rule,
		})
	}
	return findings, nil
}

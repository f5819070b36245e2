// Package kubeflow is a typed client for the pipeline platform's REST API:
// pipeline uploads, versioned re-uploads, experiments, and one-shot or
// recurring runs.
package kubeflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

const apiBase = "/apis/v2beta1"

// Client talks to one pipeline platform endpoint.
type Client struct {
	BaseURL   string
	MultiUser bool

	httpClient *http.Client
	log        *zap.Logger
}

// New builds a Client. An empty baseURL means the platform is not
// configured; FindPipeline, UploadPipeline, DeletePipeline, EnsureExperiment,
// StartRun and RunState then fail with PipelineConfigMissing. ListVersions,
// DeleteVersion and DisableRecurringRuns do not check configuration.
func New(baseURL string, multiUser bool, log *zap.Logger) *Client {
	return &Client{BaseURL: baseURL, MultiUser: multiUser, httpClient: http.DefaultClient, log: log}
}

// Namespace picks the pipeline namespace for a project: per-project in
// multi-user mode, the shared namespace otherwise.
func (c *Client) Namespace(projectID string) string {
	if c.MultiUser {
		return dashed(projectID)
	}
	return "kubeflow"
}

func dashed(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '_' {
			out[i] = '-'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

func (c *Client) configured() error {
	if c.BaseURL == "" {
		return apperrors.Ef(apperrors.KindPipelineConfig, "pipeline platform URL not configured")
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+apiBase+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+apiBase+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pipeline API %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ────────────────────────────────────────────────────────────────────────────
// Pipelines and versions
// ────────────────────────────────────────────────────────────────────────────

// Pipeline is the platform's pipeline object.
type Pipeline struct {
	ID          string `json:"pipeline_id"`
	DisplayName string `json:"display_name"`
}

// PipelineVersion is one uploaded revision of a pipeline.
type PipelineVersion struct {
	ID          string `json:"pipeline_version_id"`
	DisplayName string `json:"display_name"`
}

// FindPipeline resolves a pipeline by display name, or "" when absent.
func (c *Client) FindPipeline(ctx context.Context, namespace, name string) (string, error) {
	if err := c.configured(); err != nil {
		return "", err
	}
	filter, _ := json.Marshal(map[string]any{
		"predicates": []map[string]any{
			{"operation": "EQUALS", "key": "display_name", "string_value": name},
		},
	})
	q := url.Values{}
	q.Set("namespace", namespace)
	q.Set("filter", string(filter))
	var out struct {
		Pipelines []Pipeline `json:"pipelines"`
	}
	if err := c.get(ctx, "/pipelines", q, &out); err != nil {
		return "", err
	}
	if len(out.Pipelines) == 0 {
		return "", nil
	}
	return out.Pipelines[0].ID, nil
}

// ListVersions returns a pipeline's uploaded versions.
func (c *Client) ListVersions(ctx context.Context, pipelineID string) ([]PipelineVersion, error) {
	var out struct {
		Versions []PipelineVersion `json:"pipeline_versions"`
	}
	q := url.Values{}
	q.Set("page_size", "100")
	if err := c.get(ctx, "/pipelines/"+pipelineID+"/versions", q, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// DeleteVersion removes one uploaded version.
func (c *Client) DeleteVersion(ctx context.Context, pipelineID, versionID string) error {
	return c.delete(ctx, "/pipelines/"+pipelineID+"/versions/"+versionID)
}

// upload posts a spec file to the upload endpoint with form parameters.
func (c *Client) upload(ctx context.Context, specPath string, params url.Values, out any) error {
	f, err := os.Open(specPath)
	if err != nil {
		return apperrors.E(apperrors.KindPipelineConfig,
			fmt.Sprintf("pipeline spec %s unreadable", filepath.Base(specPath)), err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("uploadfile", filepath.Base(specPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	endpoint := c.BaseURL + apiBase + "/pipelines/upload"
	if params.Get("pipelineid") != "" {
		endpoint = c.BaseURL + apiBase + "/pipelines/upload_version"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, out)
}

// UploadPipeline creates the pipeline (first upload) or a new version of it
// (subsequent uploads), deleting any same-named prior version first. It
// returns the pipeline and version IDs the run should bind to.
func (c *Client) UploadPipeline(ctx context.Context, namespace, name, versionName, specPath string) (pipelineID, versionID string, err error) {
	if err := c.configured(); err != nil {
		return "", "", err
	}
	pipelineID, err = c.FindPipeline(ctx, namespace, name)
	if err != nil {
		return "", "", err
	}

	if pipelineID != "" {
		versions, err := c.ListVersions(ctx, pipelineID)
		if err != nil {
			return "", "", err
		}
		for _, v := range versions {
			if v.DisplayName == versionName {
				if err := c.DeleteVersion(ctx, pipelineID, v.ID); err != nil {
					return "", "", err
				}
			}
		}
		params := url.Values{}
		params.Set("pipelineid", pipelineID)
		params.Set("name", versionName)
		var out PipelineVersion
		if err := c.upload(ctx, specPath, params, &out); err != nil {
			return "", "", err
		}
		return pipelineID, out.ID, nil
	}

	params := url.Values{}
	params.Set("name", name)
	params.Set("namespace", namespace)
	var out Pipeline
	if err := c.upload(ctx, specPath, params, &out); err != nil {
		return "", "", err
	}
	versions, err := c.ListVersions(ctx, out.ID)
	if err != nil {
		return "", "", err
	}
	if len(versions) > 0 {
		versionID = versions[0].ID
	}
	return out.ID, versionID, nil
}

// DeletePipeline removes a pipeline with its versions and recurring runs.
func (c *Client) DeletePipeline(ctx context.Context, namespace, name string) error {
	if err := c.configured(); err != nil {
		return err
	}
	pipelineID, err := c.FindPipeline(ctx, namespace, name)
	if err != nil {
		return err
	}
	if pipelineID == "" {
		return nil
	}
	versions, err := c.ListVersions(ctx, pipelineID)
	if err != nil {
		return err
	}
	versionIDs := map[string]bool{}
	for _, v := range versions {
		versionIDs[v.ID] = true
	}
	recurring, err := c.listRecurringRuns(ctx, namespace)
	if err != nil {
		return err
	}
	for _, rr := range recurring {
		if rr.PipelineVersionReference.PipelineID == pipelineID && versionIDs[rr.PipelineVersionReference.VersionID] {
			if err := c.delete(ctx, "/recurringruns/"+rr.ID); err != nil {
				c.log.Warn("recurring run delete failed", zap.String("id", rr.ID), zap.Error(err))
			}
		}
	}
	for _, v := range versions {
		if err := c.DeleteVersion(ctx, pipelineID, v.ID); err != nil {
			return err
		}
	}
	return c.delete(ctx, "/pipelines/"+pipelineID)
}

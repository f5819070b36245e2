package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unifytwin/plugin-manager/internal/config"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/registry"
)

// fakeDriver records pipeline invocations without running anything.
type fakeDriver struct {
	deployed  []string
	deleted   []string
	downloads []string
	state     model.DeploymentStatus
}

func (f *fakeDriver) Deploy(_ context.Context, pluginID string, version float64, _ string) error {
	f.deployed = append(f.deployed, fmt.Sprintf("%s@%g", pluginID, version))
	return nil
}

func (f *fakeDriver) SetState(_ context.Context, pluginID, _ string) (model.DeploymentStatus, error) {
	if f.state == "" {
		f.state = model.StatusStopped
	} else if f.state == model.StatusStopped {
		f.state = model.StatusRunning
	}
	return f.state, nil
}

func (f *fakeDriver) Delete(_ context.Context, pluginID, _ string) error {
	f.deleted = append(f.deleted, pluginID)
	return nil
}

func (f *fakeDriver) InitiateDownload(_ context.Context, pluginID string, _ float64, _ string) error {
	f.downloads = append(f.downloads, pluginID)
	return nil
}

func (f *fakeDriver) ExportedArchive(context.Context, string, float64) (string, error) {
	return "", nil
}

// fakeBlobs captures uploads in memory.
type fakeBlobs struct {
	puts map[string][]byte
}

func (f *fakeBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.puts[key])), nil
}

func (f *fakeBlobs) Promote(_ context.Context, _, pluginID, filename string) (string, error) {
	return "uploads/" + pluginID + "/zip/" + filename, nil
}

func testServer(t *testing.T) (*Server, *fakeDriver) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	driver := &fakeDriver{}
	return &Server{
		Store:     registry.NewWithClient(rdb, zap.NewNop()),
		Pipelines: driver,
		Blobs:     &fakeBlobs{},
		TempDir:   t.TempDir(),
		Resources: config.ResourceRanges{
			CPURequestMax: 8, CPULimitMax: 8,
			MemRequestMax: 16, MemLimitMax: 16,
			ReplicasMax: 5,
		},
		Log: zap.NewNop(),
	}, driver
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func savePayload() map[string]any {
	return map[string]any{
		"plugin_id":         "p1",
		"version":           1,
		"name":              "wx",
		"project_id":        "proj1",
		"plugin_type":       "widget",
		"registration_type": "git",
		"git_url":           "https://github.com/acme/wx",
		"git_branch":        "main",
		"git_username":      "acme",
		"git_access_token":  "tok",
		"container_port":    8080,
		"resources":         map[string]any{"replicas": 2},
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Save / deploy triggers
// ────────────────────────────────────────────────────────────────────────────

func TestSaveNewEnqueuesPipeline(t *testing.T) {
	s, driver := testServer(t)
	router := s.Router()

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, []string{"p1@1"}, driver.deployed)

	v, err := s.Store.Fetch(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, v.DeploymentStatus)
}

func TestSaveCosmeticUpdateDoesNotRedeploy(t *testing.T) {
	s, driver := testServer(t)
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())
	driver.deployed = nil

	// Simulate the pipeline having finished.
	v, err := s.Store.Fetch(context.Background(), "p1", 1)
	require.NoError(t, err)
	v.DeploymentStatus = model.StatusRunning
	require.NoError(t, s.Store.Upsert(context.Background(), v))

	update := savePayload()
	update["git_access_token"] = model.TokenMask
	update["information"] = map[string]any{"description": "cosmetic"}
	_, env := doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", update)
	assert.Equal(t, "success", env.Status)
	assert.Empty(t, driver.deployed, "cosmetic change must not enqueue a pipeline")

	v, err = s.Store.Fetch(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, v.DeploymentStatus, "status preserved")
	assert.Equal(t, "tok", v.GitAccessToken, "masked token kept")
}

func TestSaveBranchChangeRedeploys(t *testing.T) {
	s, driver := testServer(t)
	router := s.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())
	driver.deployed = nil

	update := savePayload()
	update["git_access_token"] = model.TokenMask
	update["git_branch"] = "develop"
	_, env := doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", update)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, []string{"p1@1"}, driver.deployed)
}

func TestSaveResourceOutOfRange(t *testing.T) {
	s, _ := testServer(t)
	payload := savePayload()
	payload["resources"] = map[string]any{"replicas": 6}
	rec, env := doJSON(t, s.Router(), http.MethodPost, "/api/v1/plugins/save", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "failed", env.Status)
	assert.Equal(t, "bad_request", env.Error)
}

func TestSaveNameCollision(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())

	dup := savePayload()
	dup["plugin_id"] = "other-id"
	_, env := doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", dup)
	assert.Equal(t, "failed", env.Status)
	assert.Equal(t, "already_exists", env.Error)
}

// ────────────────────────────────────────────────────────────────────────────
// Fetch masking round-trip
// ────────────────────────────────────────────────────────────────────────────

func TestFetchMasksSecrets(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()

	payload := savePayload()
	payload["configurations"] = []map[string]any{
		{"key": "API_KEY", "value": "hunter2", "type": "secure"},
	}
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", payload)

	rec, env := doJSON(t, router, http.MethodGet, "/api/v1/plugins/fetch?plugin_id=p1&version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var fetched model.PluginVersion
	require.NoError(t, json.Unmarshal(raw, &fetched))

	assert.Equal(t, model.TokenMask, fetched.GitAccessToken)
	assert.Equal(t, "*******", fetched.Env[0].Value)

	// Round-trip: posting the fetched payload back is a no-op.
	update := savePayload()
	update["git_access_token"] = fetched.GitAccessToken
	update["configurations"] = []map[string]any{
		{"key": "API_KEY", "value": fetched.Env[0].Value, "type": "secure"},
	}
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", update)

	stored, err := s.Store.Fetch(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Env[0].Value, "stored secret must survive a round-trip byte-equal")
}

// ────────────────────────────────────────────────────────────────────────────
// State / delete / versions
// ────────────────────────────────────────────────────────────────────────────

func TestPluginState(t *testing.T) {
	s, _ := testServer(t)
	_, env := doJSON(t, s.Router(), http.MethodPost, "/api/v1/plugins/plugin-state",
		map[string]any{"plugin_ids": []string{"p1"}})
	assert.Equal(t, "success", env.Status)
}

func TestDeleteFansOut(t *testing.T) {
	s, driver := testServer(t)
	_, env := doJSON(t, s.Router(), http.MethodDelete, "/api/v1/plugins/delete",
		map[string]any{"plugin_ids": []string{"a", "b"}})
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, []string{"a", "b"}, driver.deleted)
}

func TestFetchVersions(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())
	second := savePayload()
	second["version"] = 2.5
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", second)

	_, env := doJSON(t, router, http.MethodGet, "/api/v1/plugins/fetch-versions?plugin_id=p1", nil)
	raw, _ := json.Marshal(env.Data)
	var versions []map[string]string
	require.NoError(t, json.Unmarshal(raw, &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, "1.0", versions[0]["value"])
	assert.Equal(t, "2.5", versions[1]["value"])
}

// ────────────────────────────────────────────────────────────────────────────
// Uploads
// ────────────────────────────────────────────────────────────────────────────

func multipartBody(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("plugin_id", "p1"))
	require.NoError(t, w.WriteField("version", "1"))
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("archive-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestBundleUpload(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())

	body, contentType := multipartBody(t, "bundle.zip")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/bundle-upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "success", env.Status, "body: %s", rec.Body.String())

	v, err := s.Store.Fetch(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, "uploads/p1/zip/bundle.zip", v.ArchiveBlobRef)
}

func TestBundleUploadBadContentType(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", savePayload())

	body, contentType := multipartBody(t, "payload.exe")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/bundle-upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "failed", env.Status)
	assert.Equal(t, "bad_content", env.Error)
}

// ────────────────────────────────────────────────────────────────────────────
// Git credentials over HTTP
// ────────────────────────────────────────────────────────────────────────────

func TestGitCredentialLifecycle(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()

	_, env := doJSON(t, router, http.MethodPost, "/api/v1/git-services/git-create", map[string]any{
		"git_target_id":    "t1",
		"git_target_name":  "corp",
		"git_common_url":   "https://github.com/acme/",
		"git_username":     "acme",
		"git_access_token": "tok",
	})
	require.Equal(t, "success", env.Status)

	// A version referencing the credential blocks deletion.
	payload := savePayload()
	payload["git_target_id"] = "t1"
	doJSON(t, router, http.MethodPost, "/api/v1/plugins/save", payload)

	rec, env := doJSON(t, router, http.MethodDelete, "/api/v1/git-services/git-delete",
		map[string]any{"git_target_id": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "failed", env.Status)
	assert.Contains(t, env.Message, "associated")

	// Remove the version; deletion now succeeds.
	require.NoError(t, s.Store.DeleteVersion(context.Background(), "p1", 1))
	_, env = doJSON(t, router, http.MethodDelete, "/api/v1/git-services/git-delete",
		map[string]any{"git_target_id": "t1"})
	assert.Equal(t, "success", env.Status)
}

func TestGitListMasksTokens(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/git-services/git-create", map[string]any{
		"git_target_id":    "t1",
		"git_target_name":  "corp",
		"git_common_url":   "https://github.com/acme/",
		"git_username":     "acme",
		"git_access_token": "tok-secret",
	})

	_, env := doJSON(t, router, http.MethodGet, "/api/v1/git-services/git-list", nil)
	raw, _ := json.Marshal(env.Data)
	var creds []model.GitCredential
	require.NoError(t, json.Unmarshal(raw, &creds))
	require.Len(t, creds, 1)
	assert.Equal(t, model.TokenMask, creds[0].AccessToken)
}

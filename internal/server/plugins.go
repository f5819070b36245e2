package server

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/blobstore"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/registry"
)

func versionParam(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return 0, apperrors.Ef(apperrors.KindBadRequest, "version query parameter required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperrors.Ef(apperrors.KindBadRequest, "version %q is not a number", raw)
	}
	return v, nil
}

// handleSave upserts a version. A brand-new version enqueues the pipeline;
// an update enqueues only when a redeploy-trigger field truly changed.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var incoming model.PluginVersion
	if err := decode(r, &incoming); err != nil {
		s.fail(w, err)
		return
	}
	if incoming.Name == "" || incoming.Version == 0 {
		s.fail(w, apperrors.Ef(apperrors.KindBadRequest, "name and version are required"))
		return
	}

	incoming.Resources.Normalize()
	if err := incoming.Resources.Validate(s.Resources); err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()

	// Name collisions across plugin IDs are rejected.
	if ownerID, err := s.Store.IDByName(ctx, incoming.Name); err != nil {
		s.fail(w, err)
		return
	} else if ownerID != "" && incoming.PluginID != "" && ownerID != incoming.PluginID {
		s.fail(w, apperrors.Ef(apperrors.KindAlreadyExists,
			"a plugin named %s already exists with a different plugin ID", incoming.Name))
		return
	} else if ownerID != "" && incoming.PluginID == "" {
		s.fail(w, apperrors.Ef(apperrors.KindAlreadyExists,
			"a plugin named %s already exists", incoming.Name))
		return
	}

	if incoming.PluginID == "" {
		incoming.PluginID = uuid.NewString()
	}

	stored, err := s.Store.Fetch(ctx, incoming.PluginID, incoming.Version)
	isNew := apperrors.IsKind(err, apperrors.KindNotFound)
	if err != nil && !isNew {
		s.fail(w, err)
		return
	}

	redeploy := false
	if isNew {
		incoming.DeploymentStatus = model.StatusPending
		incoming.DeployedBy = ""
		incoming.DeployedAt = nil
		if incoming.GitAccessToken == model.TokenMask {
			incoming.GitAccessToken = ""
		}
		if err := s.Store.Upsert(ctx, &incoming); err != nil {
			s.fail(w, err)
			return
		}
		redeploy = true
	} else {
		merged, trigger := registry.PrepareSave(&incoming, stored)
		if trigger {
			merged.DeploymentStatus = model.StatusPending
		}
		if err := s.Store.Upsert(ctx, merged); err != nil {
			s.fail(w, err)
			return
		}
		redeploy = trigger
	}

	if incoming.Current != 0 {
		if err := s.Store.SetCurrent(ctx, incoming.PluginID, incoming.Current); err != nil {
			s.fail(w, err)
			return
		}
	}

	if redeploy {
		if err := s.Pipelines.Deploy(ctx, incoming.PluginID, incoming.Version, userID(r)); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.ok(w, "plugin saved", map[string]any{"plugin_id": incoming.PluginID})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PluginID string  `json:"plugin_id"`
		Version  float64 `json:"version"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Pipelines.Deploy(r.Context(), req.PluginID, req.Version, userID(r)); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "deployment started", nil)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req registry.ListRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Records == 0 {
		req.Records = 50
	}
	result, err := s.Store.List(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "", result)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	v, err := s.Store.Fetch(r.Context(), r.URL.Query().Get("plugin_id"), version)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "", registry.MaskVersion(v))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PluginIDs []string `json:"plugin_ids"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	user := userID(r)
	for _, id := range req.PluginIDs {
		if err := s.Pipelines.Delete(r.Context(), id, user); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.ok(w, "plugins deleted", nil)
}

func (s *Server) handlePluginState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PluginIDs []string `json:"plugin_ids"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	user := userID(r)
	states := map[string]model.DeploymentStatus{}
	for _, id := range req.PluginIDs {
		state, err := s.Pipelines.SetState(r.Context(), id, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		states[id] = state
	}
	s.ok(w, "plugin state updated", states)
}

// ────────────────────────────────────────────────────────────────────────────
// Bundle upload / download
// ────────────────────────────────────────────────────────────────────────────

func (s *Server) handleBundleUpload(w http.ResponseWriter, r *http.Request) {
	// Stream the multipart body; the file part is not buffered whole.
	reader, err := r.MultipartReader()
	if err != nil {
		s.fail(w, apperrors.E(apperrors.KindBadRequest, "multipart body required", err))
		return
	}
	ctx := r.Context()
	var pluginID string
	var version float64
	var key string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.fail(w, apperrors.E(apperrors.KindBadRequest, "malformed multipart body", err))
			return
		}
		switch part.FormName() {
		case "plugin_id":
			raw, _ := io.ReadAll(part)
			pluginID = strings.TrimSpace(string(raw))
		case "version":
			raw, _ := io.ReadAll(part)
			version, _ = strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		case "file":
			if pluginID == "" {
				s.fail(w, apperrors.Ef(apperrors.KindBadRequest, "plugin_id must precede the file part"))
				return
			}
			contentType, err := blobstore.ContentTypeFor(part.FileName())
			if err != nil {
				s.fail(w, err)
				return
			}
			key = blobstore.UploadKey(pluginID, part.FileName())
			if err := s.Blobs.Put(ctx, key, part, -1, contentType); err != nil {
				s.fail(w, err)
				return
			}
		}
	}
	if key == "" {
		s.fail(w, apperrors.Ef(apperrors.KindBadRequest, "file part missing"))
		return
	}
	if err := s.attachBlob(r, pluginID, version, key); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "bundle uploaded successfully", map[string]string{"key": key})
}

// attachBlob records the uploaded archive on the version.
func (s *Server) attachBlob(r *http.Request, pluginID string, version float64, key string) error {
	ctx := r.Context()
	var v *model.PluginVersion
	var err error
	if version != 0 {
		v, err = s.Store.Fetch(ctx, pluginID, version)
	} else {
		v, err = s.Store.FetchCurrent(ctx, pluginID)
	}
	if err != nil {
		return err
	}
	v.ArchiveBlobRef = key
	return s.Store.Upsert(ctx, v)
}

func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.fail(w, apperrors.E(apperrors.KindBadRequest, "multipart body required", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, apperrors.E(apperrors.KindBadRequest, "file part missing", err))
		return
	}
	defer file.Close()
	if err := blobstore.AppendChunk(s.TempDir, header.Filename, file); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "chunk accepted", nil)
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PluginID string  `json:"plugin_id"`
		Version  float64 `json:"version"`
		FileName string  `json:"file_name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	key, err := s.Blobs.Promote(r.Context(), s.TempDir, req.PluginID, req.FileName)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.attachBlob(r, req.PluginID, req.Version, key); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, "bundle uploaded successfully", map[string]string{"key": key})
}

func (s *Server) handleBundleDownload(w http.ResponseWriter, r *http.Request) {
	v, err := s.Store.FetchCurrent(r.Context(), r.URL.Query().Get("plugin_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if v.ArchiveBlobRef == "" {
		s.fail(w, apperrors.Ef(apperrors.KindNotFound, "plugin %s has no stored bundle", v.PluginID))
		return
	}
	stream, err := s.Blobs.Get(r.Context(), v.ArchiveBlobRef)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer stream.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s", filepath.Base(v.ArchiveBlobRef)))
	if _, err := io.Copy(w, stream); err != nil {
		s.Log.Warn("bundle stream interrupted", zap.String("plugin", v.PluginID), zap.Error(err))
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Logs / reports / versions / downloads
// ────────────────────────────────────────────────────────────────────────────

func (s *Server) handlePluginLogs(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	v, err := s.Store.Fetch(r.Context(), r.URL.Query().Get("plugin_id"), version)
	if err != nil {
		s.fail(w, err)
		return
	}
	lines := append([]string{}, v.Errors...)
	if s.LogSource != nil {
		runtime, err := s.LogSource.Logs(r.Context(), v.DeploymentName(), 100)
		if err != nil {
			s.Log.Warn("runtime log fetch failed", zap.String("plugin", v.PluginID), zap.Error(err))
		} else if runtime != "" {
			lines = append(lines, runtime)
		}
	}
	s.ok(w, "", strings.Join(lines, "\n"))
}

func (s *Server) handlePluginReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.Store.ScanReport(r.Context(), r.URL.Query().Get("plugin_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if report == nil {
		s.fail(w, apperrors.Ef(apperrors.KindNotFound, "no scan report recorded"))
		return
	}
	s.ok(w, "", report)
}

func (s *Server) handleInitiateDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PluginIDs []string `json:"plugin_ids"`
		Version   float64  `json:"version"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	user := userID(r)
	for _, id := range req.PluginIDs {
		if err := s.Pipelines.InitiateDownload(r.Context(), id, req.Version, user); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.ok(w, "download preparation started", nil)
}

func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	path, err := s.Pipelines.ExportedArchive(r.Context(), r.URL.Query().Get("plugin_id"), version)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	http.ServeFile(w, r, path)
}

func (s *Server) handleFetchVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Store.Versions(r.Context(), r.URL.Query().Get("plugin_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	type option struct {
		Label string `json:"label"`
		Value string `json:"value"`
	}
	out := make([]option, 0, len(versions))
	for _, v := range versions {
		formatted := model.FormatVersion(v)
		out = append(out, option{Label: formatted, Value: formatted})
	}
	s.ok(w, "", out)
}

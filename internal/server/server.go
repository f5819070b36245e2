// Package server is the HTTP glue: short-lived handlers that validate,
// enqueue background work, and return the uniform response envelope.
package server

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unifytwin/plugin-manager/internal/config"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/registry"
)

// PipelineDriver is the slice of the pipeline controller the handlers use.
type PipelineDriver interface {
	Deploy(ctx context.Context, pluginID string, version float64, userID string) error
	SetState(ctx context.Context, pluginID, userID string) (model.DeploymentStatus, error)
	Delete(ctx context.Context, pluginID, userID string) error
	InitiateDownload(ctx context.Context, pluginID string, version float64, userID string) error
	ExportedArchive(ctx context.Context, pluginID string, version float64) (string, error)
}

// LogSource reads a deployment's aggregated runtime logs.
type LogSource interface {
	Logs(ctx context.Context, name string, lines int64) (string, error)
}

// BlobGateway is the artifact-store slice the upload handlers use.
type BlobGateway interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Promote(ctx context.Context, tempDir, pluginID, filename string) (string, error)
}

// Server wires the HTTP surface.
type Server struct {
	Store     *registry.Store
	Pipelines PipelineDriver
	Blobs     BlobGateway
	LogSource LogSource

	Resources    config.ResourceRanges
	VCSOverrides map[string]string
	TempDir      string
	HTTPClient   *http.Client

	Log *zap.Logger
}

// Router builds the chi mux with the full v1 surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/plugins", func(r chi.Router) {
			r.Post("/save", s.handleSave)
			r.Post("/deploy", s.handleDeploy)
			r.Post("/list", s.handleList)
			r.Get("/fetch", s.handleFetch)
			r.Delete("/delete", s.handleDelete)
			r.Post("/plugin-state", s.handlePluginState)
			r.Post("/bundle-upload", s.handleBundleUpload)
			r.Post("/v2/bundle-upload", s.handleChunkUpload)
			r.Post("/finalize-upload", s.handleFinalizeUpload)
			r.Get("/bundle-download", s.handleBundleDownload)
			r.Get("/plugin-logs", s.handlePluginLogs)
			r.Get("/plugin-report", s.handlePluginReport)
			r.Post("/initiate-download", s.handleInitiateDownload)
			r.Get("/download-docker-file", s.handleDownloadArchive)
			r.Get("/fetch-versions", s.handleFetchVersions)
		})
		r.Route("/git-services", func(r chi.Router) {
			r.Post("/git-create", s.handleGitCreate)
			r.Get("/git-list", s.handleGitList)
			r.Delete("/git-delete", s.handleGitDelete)
			r.Post("/git_validation", s.handleGitValidation)
		})
	})
	return r
}

// userID pulls the authenticated user from the (externally verified)
// identity header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

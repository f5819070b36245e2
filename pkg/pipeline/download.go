package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/builder"
	"github.com/unifytwin/plugin-manager/pkg/engine"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/notify"
)

// imageExporter is the engine slice the download flow needs.
type imageExporter interface {
	Pull(ctx context.Context, ref string, auth engine.RegistryAuth) error
	Save(ctx context.Context, ref string, w io.Writer) error
}

// blobSigner signs the exported tarball.
type blobSigner interface {
	SignBlob(ctx context.Context, tarPath string) (string, error)
}

// DownloadDeps carries the artifact-export collaborators.
type DownloadDeps struct {
	Exporter     imageExporter
	Signer       blobSigner
	RegistryAuth engine.RegistryAuth
	ExportDir    string
	Enabled      bool
}

// InitiateDownload enqueues the artifact export for a version: pull the
// image, save it as a tarball, sign the blob, zip tar + signature, and
// notify the user with the download link.
func (c *Controller) InitiateDownload(ctx context.Context, pluginID string, version float64, userID string) error {
	if !c.Download.Enabled {
		return apperrors.Ef(apperrors.KindPermissionDenied, "artifact download is disabled")
	}
	v, err := c.Store.Fetch(ctx, pluginID, version)
	if err != nil {
		return err
	}
	if v.ImageField() == "" {
		return apperrors.Ef(apperrors.KindBadRequest,
			"version %s has no pushed image to export", model.FormatVersion(version))
	}
	c.Queue.Submit(Key(pluginID, version)+"/export", func(taskCtx context.Context) {
		c.export(taskCtx, pluginID, version, userID)
	})
	return nil
}

func (c *Controller) export(ctx context.Context, pluginID string, version float64, userID string) {
	v, err := c.Store.Fetch(ctx, pluginID, version)
	if err != nil {
		return
	}
	imageRef := v.ImageField()
	exportDir := filepath.Join(c.Download.ExportDir, v.Name)
	zipPath := exportDir + ".zip"
	defer os.RemoveAll(exportDir)

	failed := func(stage string, err error) {
		c.Log.Error("artifact export failed",
			zap.String("plugin", pluginID), zap.String("stage", stage), zap.Error(err))
		c.Notifier.Push(userID, notify.NewEvent(
			fmt.Sprintf("Preparing %s for download failed", v.Name),
			string(v.PluginType), v.PluginID).Failure())
	}

	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		failed("prepare", err)
		return
	}
	_ = os.Remove(zipPath)

	if err := c.Download.Exporter.Pull(ctx, imageRef, c.Download.RegistryAuth); err != nil {
		failed("pull", err)
		return
	}

	tarPath := filepath.Join(exportDir, builder.ImageTarName)
	f, err := os.Create(tarPath)
	if err != nil {
		failed("save", err)
		return
	}
	if err := c.Download.Exporter.Save(ctx, imageRef, f); err != nil {
		f.Close()
		failed("save", err)
		return
	}
	f.Close()

	if _, err := c.Download.Signer.SignBlob(ctx, tarPath); err != nil {
		failed("sign", err)
		return
	}

	if err := zipDirectory(exportDir, zipPath); err != nil {
		failed("zip", err)
		return
	}

	event := notify.NewEvent(
		fmt.Sprintf("%s is ready. Please download from the notification pane.", v.Name),
		string(v.PluginType), v.PluginID)
	event.Type = "plugin"
	event.DownloadURL = fmt.Sprintf(
		"/api/v1/plugins/download-docker-file?plugin_id=%s&version=%g", pluginID, version)
	c.Notifier.Push(userID, event)
}

// ExportedArchive returns the prepared zip path for a version, or NotFound.
func (c *Controller) ExportedArchive(ctx context.Context, pluginID string, version float64) (string, error) {
	v, err := c.Store.Fetch(ctx, pluginID, version)
	if err != nil {
		return "", err
	}
	zipPath := filepath.Join(c.Download.ExportDir, v.Name) + ".zip"
	if _, err := os.Stat(zipPath); err != nil {
		return "", apperrors.Ef(apperrors.KindNotFound, "no prepared archive for %s", v.Name)
	}
	return zipPath, nil
}

// zipDirectory writes dir's files into a zip rooted at the directory name.
func zipDirectory(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()
	w := zip.NewWriter(out)
	defer w.Close()

	base := filepath.Base(dir)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fw, err := w.Create(filepath.Join(base, rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(fw, src)
		return err
	})
}

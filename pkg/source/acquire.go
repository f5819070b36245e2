package source

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/blobstore"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

// Credential carries the resolved values used for a clone.
type Credential struct {
	URL      string
	Username string
	Token    string
}

// Acquirer materializes a version's sources into a working tree owned by
// one pipeline run.
type Acquirer struct {
	store   *blobstore.Store
	workDir string
	log     *zap.Logger
}

// NewAcquirer returns an Acquirer rooted at workDir.
func NewAcquirer(store *blobstore.Store, workDir string, log *zap.Logger) *Acquirer {
	return &Acquirer{store: store, workDir: workDir, log: log}
}

// PullPath is the working directory for a version: pull/{name}/{pluginID}.
func (a *Acquirer) PullPath(v *model.PluginVersion) string {
	return filepath.Join(a.workDir, "pull", v.Name, v.PluginID)
}

// ResolveCredential picks the effective clone credential: a referenced
// stored credential wins, inline fields are the fallback.
func ResolveCredential(v *model.PluginVersion, stored *model.GitCredential) Credential {
	if v.GitTargetID != "" && stored != nil {
		url := stored.BaseURL
		if v.GitURL != "" {
			url = strings.TrimSuffix(stored.BaseURL, "/") + "/" + strings.TrimPrefix(v.GitURL, "/")
		}
		return Credential{URL: url, Username: stored.Username, Token: stored.AccessToken}
	}
	return Credential{URL: v.GitURL, Username: v.GitUsername, Token: v.GitAccessToken}
}

// CloneGit clones the version's repository at its branch into the pull path.
// An existing destination is deleted and re-cloned; there is no incremental
// update. Network and auth errors surface as SourceUnavailable.
func (a *Acquirer) CloneGit(ctx context.Context, v *model.PluginVersion, cred Credential) (string, error) {
	dest := a.PullPath(v)
	if _, err := os.Stat(dest); err == nil {
		a.log.Warn("deleting existing working tree before clone", zap.String("path", dest))
		if err := os.RemoveAll(dest); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	opts := &git.CloneOptions{
		URL:           cred.URL,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(v.GitBranch),
	}
	if cred.Username != "" || cred.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: cred.Username, Password: cred.Token}
	}
	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		_ = os.RemoveAll(dest)
		return "", apperrors.E(apperrors.KindSourceUnavailable,
			fmt.Sprintf("clone of %s failed", v.Name), err)
	}
	a.log.Info("cloned sources", zap.String("plugin", v.PluginID), zap.String("branch", v.GitBranch))
	return dest, nil
}

// FetchArchive downloads the version's archive blob into the pull path and
// extracts it. The archive root becomes the working directory.
func (a *Acquirer) FetchArchive(ctx context.Context, v *model.PluginVersion) (string, error) {
	if v.ArchiveBlobRef == "" {
		return "", apperrors.Ef(apperrors.KindBadRequest, "version %s has no archive reference", v.PluginID)
	}
	dest := a.PullPath(v)
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	archivePath := filepath.Join(dest, filepath.Base(v.ArchiveBlobRef))
	if err := a.store.Download(ctx, v.ArchiveBlobRef, archivePath); err != nil {
		return "", apperrors.E(apperrors.KindSourceUnavailable, "archive download failed", err)
	}
	if err := Extract(archivePath, dest); err != nil {
		return "", err
	}
	_ = os.Remove(archivePath)

	// A single top-level directory inside the archive becomes the root.
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dest, entries[0].Name()), nil
	}
	return dest, nil
}

// Cleanup removes a working tree. Safe to call on any exit path.
func (a *Acquirer) Cleanup(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		a.log.Warn("working tree cleanup failed", zap.String("path", dir), zap.Error(err))
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Archive extraction
// ────────────────────────────────────────────────────────────────────────────

// Extract expands a .zip or .tar archive into destDir, refusing entries
// that would escape it.
func Extract(archivePath, destDir string) error {
	switch filepath.Ext(archivePath) {
	case ".zip":
		return extractZip(archivePath, destDir)
	case ".tar":
		return extractTar(archivePath, destDir)
	default:
		return apperrors.Ef(apperrors.KindBadContent, "unsupported archive %q", filepath.Base(archivePath))
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return apperrors.E(apperrors.KindBadContent, "unreadable zip archive", err)
	}
	defer r.Close()
	for _, f := range r.File {
		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		if err := writeFile(target, src, f.Mode()); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}
	return nil
}

func extractTar(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.E(apperrors.KindBadContent, "unreadable tar archive", err)
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
}

func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", apperrors.Ef(apperrors.KindBadContent, "archive entry %q escapes the extraction root", name)
	}
	return target, nil
}

func writeFile(target string, src io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

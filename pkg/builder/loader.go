package builder

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/engine"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

const (
	// ImageTarName is the tarball an image-upload bundle must contain.
	ImageTarName = "plugin.tar"
	// SignatureName is its detached signature file.
	SignatureName = "signature"
)

// Loader ingests pre-built image bundles: verify, load, retag, push, sign.
type Loader struct {
	engine   containerEngine
	signer   imageSigner
	registry string
	auth     engine.RegistryAuth
	log      *zap.Logger
}

// NewLoader builds a Loader.
func NewLoader(eng containerEngine, sig imageSigner, registry string, auth engine.RegistryAuth, log *zap.Logger) *Loader {
	return &Loader{engine: eng, signer: sig, registry: registry, auth: auth, log: log}
}

// LoadAndPush verifies the bundle's detached signature, loads the tarball
// into the engine, retags it to the canonical tag, pushes, and signs the
// registry digest. A failed verification is fatal and leaves no registry
// artifact.
func (l *Loader) LoadAndPush(ctx context.Context, bundleDir string, v *model.PluginVersion) (string, error) {
	tarPath := filepath.Join(bundleDir, ImageTarName)
	sigPath := filepath.Join(bundleDir, SignatureName)
	if _, err := os.Stat(tarPath); err != nil {
		return "", apperrors.Ef(apperrors.KindBadContent, "bundle is missing %s", ImageTarName)
	}
	if err := l.signer.VerifyBlob(ctx, tarPath, sigPath); err != nil {
		return "", err
	}

	loaded, err := l.engine.Load(ctx, tarPath)
	if err != nil {
		return "", apperrors.E(apperrors.KindBuildFailed, "image load failed", err)
	}
	tag := model.CanonicalTag(l.registry, v.Name, v.PluginType, v.Version)
	if err := l.engine.Tag(ctx, loaded, tag); err != nil {
		return "", apperrors.E(apperrors.KindBuildFailed, "image retag failed", err)
	}
	if err := l.engine.Push(ctx, tag, l.auth); err != nil {
		return "", apperrors.E(apperrors.KindBuildFailed, "image push failed", err)
	}
	if err := l.signer.SignImage(ctx, tag); err != nil {
		return "", err
	}
	l.log.Info("uploaded image loaded and signed", zap.String("ref", tag), zap.String("plugin", v.PluginID))
	return tag, nil
}

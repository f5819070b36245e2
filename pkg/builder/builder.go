// Package builder turns a working tree or an uploaded image tarball into a
// signed image in the plugin registry under the canonical tag.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/engine"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

// containerEngine is the slice of the engine the builder needs.
type containerEngine interface {
	Build(ctx context.Context, contextDir, tag string, buildArgs map[string]*string) (string, error)
	Push(ctx context.Context, ref string, auth engine.RegistryAuth) error
	Load(ctx context.Context, tarPath string) (string, error)
	Tag(ctx context.Context, src, target string) error
}

// imageSigner is the slice of the signer the builder needs.
type imageSigner interface {
	SignImage(ctx context.Context, ref string) error
	VerifyBlob(ctx context.Context, tarPath, sigPath string) error
}

// Builder produces registry images from working trees.
type Builder struct {
	engine    containerEngine
	signer    imageSigner
	registry  string
	auth      engine.RegistryAuth
	buildArgs map[string]*string
	log       *zap.Logger
}

// New builds a Builder.
func New(eng containerEngine, sig imageSigner, registry string, auth engine.RegistryAuth, buildArgs map[string]*string, log *zap.Logger) *Builder {
	return &Builder{engine: eng, signer: sig, registry: registry, auth: auth, buildArgs: buildArgs, log: log}
}

// RecipeKind says which build recipe a working tree provides.
type RecipeKind int

const (
	RecipeNone RecipeKind = iota
	RecipeDockerfile
	RecipeManifest
)

const (
	recipeFile   = "Dockerfile"
	manifestFile = "manifest.json"
)

// SelectRecipe inspects the working tree root: a build recipe file is used
// verbatim, a manifest gets a rendered default recipe, anything else is
// BuildRecipeMissing.
func SelectRecipe(workDir string) (RecipeKind, error) {
	if _, err := os.Stat(filepath.Join(workDir, recipeFile)); err == nil {
		return RecipeDockerfile, nil
	}
	if _, err := os.Stat(filepath.Join(workDir, manifestFile)); err == nil {
		return RecipeManifest, nil
	}
	return RecipeNone, apperrors.Ef(apperrors.KindBuildRecipeMissing,
		"working tree has neither %s nor %s", recipeFile, manifestFile)
}

// Build produces, pushes, and signs the canonical image for a version.
// On build failure the accumulated build log is returned alongside the
// error so the pipeline can record it.
func (b *Builder) Build(ctx context.Context, workDir string, v *model.PluginVersion) (ref string, buildLog string, err error) {
	kind, err := SelectRecipe(workDir)
	if err != nil {
		return "", "", err
	}
	if kind == RecipeManifest {
		if err := RenderRecipe(workDir); err != nil {
			return "", "", err
		}
	}

	tag := model.CanonicalTag(b.registry, v.Name, v.PluginType, v.Version)
	buildLog, err = b.engine.Build(ctx, workDir, tag, b.buildArgs)
	if err != nil {
		return "", buildLog, err
	}
	if err := b.engine.Push(ctx, tag, b.auth); err != nil {
		return "", buildLog, apperrors.E(apperrors.KindBuildFailed, "image push failed", err)
	}
	if err := b.signer.SignImage(ctx, tag); err != nil {
		return "", buildLog, err
	}
	b.log.Info("image built and signed", zap.String("ref", tag), zap.String("plugin", v.PluginID))
	return tag, buildLog, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Default recipe rendering
// ────────────────────────────────────────────────────────────────────────────

// Manifest declares the base images a recipe-less plugin builds from.
type Manifest struct {
	PluginName        string `json:"plugin_name"`
	PluginType        string `json:"plugin_type"`
	BackendBaseImage  string `json:"backend_base_image"`
	FrontendBaseImage string `json:"frontend_base_image"`
}

var defaultRecipe = template.Must(template.New("recipe").Parse(`FROM {{.FrontendBaseImage}} AS frontend
WORKDIR /build
COPY frontend/ .
RUN npm install && npm run build

FROM {{.BackendBaseImage}}
WORKDIR /app
COPY backend/ .
COPY --from=frontend /build/dist ./static
RUN pip install --no-cache-dir -r requirements.txt
CMD ["python", "main.py"]
`))

// RenderRecipe writes a default build recipe into the working tree from its
// manifest's declared base images.
func RenderRecipe(workDir string) error {
	m, err := ReadManifest(workDir)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(workDir, recipeFile))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := defaultRecipe.Execute(f, m); err != nil {
		return fmt.Errorf("render recipe: %w", err)
	}
	return nil
}

// ReadManifest loads and defaults the working tree manifest.
func ReadManifest(workDir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(workDir, manifestFile))
	if err != nil {
		return nil, apperrors.E(apperrors.KindBuildRecipeMissing, "manifest unreadable", err)
	}
	m := &Manifest{
		BackendBaseImage:  "python:3.10-slim",
		FrontendBaseImage: "node:18-alpine",
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, apperrors.E(apperrors.KindBadContent, "manifest malformed", err)
	}
	return m, nil
}

// Package engine wraps the local container engine used for image builds,
// tarball loads, registry pushes, and one-shot scanner containers.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// RegistryAuth carries the push/pull credentials for the plugin registry.
type RegistryAuth struct {
	ServerAddress string
	Username      string
	Password      string
}

func (a RegistryAuth) encode() (string, error) {
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.ServerAddress,
	})
}

// Engine is the process-wide handle to the container engine. The engine is
// shared across pipelines; it serializes pulls by tag itself.
type Engine struct {
	api *client.Client
	log *zap.Logger
}

// New connects to the engine from the environment and verifies it responds.
func New(log *zap.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("container engine unreachable: %w", err)
	}
	return &Engine{api: cli, log: log}, nil
}

// Close releases the engine connection.
func (e *Engine) Close() error {
	if e == nil || e.api == nil {
		return nil
	}
	return e.api.Close()
}

// ────────────────────────────────────────────────────────────────────────────
// Build / push / load / save
// ────────────────────────────────────────────────────────────────────────────

// Build runs a container build against contextDir and tags the result. The
// returned log accumulates every stream line; on failure it is what the
// pipeline records in the version's errors.
func (e *Engine) Build(ctx context.Context, contextDir, tag string, buildArgs map[string]*string) (string, error) {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("build context tar: %w", err)
	}
	defer buildCtx.Close()

	resp, err := e.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		NetworkMode: "host",
		BuildArgs:   buildArgs,
	})
	if err != nil {
		return "", apperrors.E(apperrors.KindBuildFailed, "image build request failed", err)
	}
	defer resp.Body.Close()

	log, err := drainStream(resp.Body)
	if err != nil {
		return log, apperrors.E(apperrors.KindBuildFailed, "image build failed", err)
	}
	e.log.Info("image built", zap.String("tag", tag))
	return log, nil
}

// Push pushes a tagged image to its registry.
func (e *Engine) Push(ctx context.Context, ref string, auth RegistryAuth) error {
	authStr, err := auth.encode()
	if err != nil {
		return err
	}
	out, err := e.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: authStr})
	if err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	defer out.Close()
	if _, err := drainStream(out); err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	e.log.Info("image pushed", zap.String("ref", ref))
	return nil
}

// Pull fetches an image from the registry.
func (e *Engine) Pull(ctx context.Context, ref string, auth RegistryAuth) error {
	authStr, err := auth.encode()
	if err != nil {
		return err
	}
	out, err := e.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: authStr})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer out.Close()
	_, err = drainStream(out)
	return err
}

// Load reads an image tarball into the engine and returns the loaded
// reference (the first "Loaded image" line).
func (e *Engine) Load(ctx context.Context, tarPath string) (string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	resp, err := e.api.ImageLoad(ctx, f, true)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", tarPath, err)
	}
	defer resp.Body.Close()

	var loaded string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return "", errors.New(msg.Error)
		}
		line := strings.TrimSpace(msg.Stream)
		if rest, ok := strings.CutPrefix(line, "Loaded image:"); ok && loaded == "" {
			loaded = strings.TrimSpace(rest)
		}
		if rest, ok := strings.CutPrefix(line, "Loaded image ID:"); ok && loaded == "" {
			loaded = strings.TrimSpace(rest)
		}
	}
	if loaded == "" {
		return "", fmt.Errorf("load %s: no image reference in engine response", tarPath)
	}
	return loaded, nil
}

// Tag applies a new reference to an existing local image.
func (e *Engine) Tag(ctx context.Context, src, target string) error {
	return e.api.ImageTag(ctx, src, target)
}

// Save streams an image as a tarball into w.
func (e *Engine) Save(ctx context.Context, ref string, w io.Writer) error {
	rc, err := e.api.ImageSave(ctx, []string{ref})
	if err != nil {
		return fmt.Errorf("save %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// Digest returns the registry digest reference recorded for a pushed image,
// falling back to the tag when the engine has none.
func (e *Engine) Digest(ctx context.Context, ref string) (string, error) {
	info, _, err := e.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", err
	}
	for _, d := range info.RepoDigests {
		if strings.HasPrefix(d, repoOf(ref)) {
			return d, nil
		}
	}
	if len(info.RepoDigests) > 0 {
		return info.RepoDigests[0], nil
	}
	return ref, nil
}

func repoOf(ref string) string {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i]
	}
	return ref
}

// ────────────────────────────────────────────────────────────────────────────
// One-shot scanner containers
// ────────────────────────────────────────────────────────────────────────────

// RunSpec describes a one-shot container run (scanners).
type RunSpec struct {
	Image   string
	Cmd     []string
	Binds   []string // "host:container[:mode]"
	Env     []string
	Network string
	User    string
}

// RunOnce creates, runs, and removes a container, returning its combined
// output. A non-zero exit is an error naming the image and exit code; the
// output is still returned alongside it.
func (e *Engine) RunOnce(ctx context.Context, spec RunSpec) (string, error) {
	created, err := e.api.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   spec.Cmd,
			Env:   spec.Env,
			User:  spec.User,
		},
		&container.HostConfig{
			Binds:       spec.Binds,
			NetworkMode: container.NetworkMode(spec.Network),
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", spec.Image, err)
	}
	id := created.ID
	defer func() {
		_ = e.api.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	}()

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start %s: %w", spec.Image, err)
	}

	statusCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", err
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", ctx.Err()
	}

	out := e.containerOutput(ctx, id)
	if exitCode != 0 {
		return out, fmt.Errorf("%s exited with code %d", spec.Image, exitCode)
	}
	return out, nil
}

func (e *Engine) containerOutput(ctx context.Context, id string) string {
	rc, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ""
	}
	defer rc.Close()
	var buf strings.Builder
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String()
	}
	return buf.String()
}

// drainStream consumes an engine JSON message stream, accumulating human
// output and surfacing any embedded error message.
func drainStream(r io.Reader) (string, error) {
	var log strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Status != "" {
			log.WriteString(msg.Status)
			log.WriteString("\n")
		}
		if msg.Error != "" {
			return log.String(), errors.New(msg.Error)
		}
	}
	return log.String(), scanner.Err()
}

// Package signer produces and verifies detached signatures over image
// digests and artifact tarballs. Signing shells out to cosign; the digest a
// signature binds to is resolved against the registry first so retagging
// cannot detach it.
package signer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// Signer holds the key material paths and registry credentials used by
// cosign invocations. When Enabled is false every operation succeeds
// without effect.
type Signer struct {
	Enabled       bool
	KeyPath       string
	PubPath       string
	Password      string
	Username      string
	RegistryPass  string
	AllowInsecure bool

	log *zap.Logger
	// run executes a command and returns combined output; swapped in tests.
	run func(ctx context.Context, env []string, name string, args ...string) (string, error)
}

// New builds a Signer.
func New(enabled bool, keyPath, pubPath, password, username, registryPass string, allowInsecure bool, log *zap.Logger) *Signer {
	return &Signer{
		Enabled:       enabled,
		KeyPath:       keyPath,
		PubPath:       pubPath,
		Password:      password,
		Username:      username,
		RegistryPass:  registryPass,
		AllowInsecure: allowInsecure,
		log:           log,
		run:           runCapture,
	}
}

// runCapture executes a command and returns its combined output (trimmed).
func runCapture(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// SignImage signs the registry-resolved digest of ref.
func (s *Signer) SignImage(ctx context.Context, ref string) error {
	if !s.Enabled {
		return nil
	}
	digest, err := s.resolveDigest(ref)
	if err != nil {
		return fmt.Errorf("resolve digest for %s: %w", ref, err)
	}
	args := []string{
		"sign",
		"--key=" + s.KeyPath,
		"--registry-username=" + s.Username,
		"--registry-password=" + s.RegistryPass,
		fmt.Sprintf("--allow-insecure-registry=%t", s.AllowInsecure),
		"-y",
		digest,
	}
	out, err := s.run(ctx, []string{"COSIGN_PASSWORD=" + s.Password}, "cosign", args...)
	if err != nil {
		return fmt.Errorf("cosign sign failed: %w: %s", err, out)
	}
	s.log.Info("image signed", zap.String("digest", digest))
	return nil
}

// resolveDigest asks the registry for the digest ref points at, so the
// signature binds to content, not to a mutable tag.
func (s *Signer) resolveDigest(ref string) (string, error) {
	digest, err := crane.Digest(ref, crane.WithAuth(&authn.Basic{
		Username: s.Username,
		Password: s.RegistryPass,
	}))
	if err != nil {
		return "", err
	}
	repo := ref
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	return repo + "@" + digest, nil
}

// SignBlob produces a detached signature file next to a local tarball and
// returns the signature path.
func (s *Signer) SignBlob(ctx context.Context, tarPath string) (string, error) {
	sigPath := filepath.Join(filepath.Dir(tarPath), "signature")
	if !s.Enabled {
		return sigPath, nil
	}
	out, err := s.run(ctx, []string{"COSIGN_PASSWORD=" + s.Password}, "cosign",
		"sign-blob",
		"--key="+s.KeyPath,
		"--output-signature="+sigPath,
		"-y",
		tarPath,
	)
	if err != nil {
		return "", fmt.Errorf("cosign sign-blob failed: %w: %s", err, out)
	}
	return sigPath, nil
}

// VerifyBlob checks a detached signature against the trusted public key.
// Verification is offline; failure is fatal to the pipeline and never
// auto-retried.
func (s *Signer) VerifyBlob(ctx context.Context, tarPath, sigPath string) error {
	if !s.Enabled {
		return nil
	}
	out, err := s.run(ctx, nil, "cosign",
		"verify-blob",
		"--key="+s.PubPath,
		"--offline=true",
		"--private-infrastructure=true",
		"--signature="+sigPath,
		tarPath,
	)
	if err != nil {
		return apperrors.E(apperrors.KindSignatureInvalid,
			fmt.Sprintf("signature verification failed for %s", filepath.Base(tarPath)),
			fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

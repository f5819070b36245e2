package source

import (
	"archive/tar"
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

func TestResolveCredential(t *testing.T) {
	stored := &model.GitCredential{
		BaseURL:     "https://github.com/acme/",
		Username:    "acme-bot",
		AccessToken: "tok-stored",
	}
	v := &model.PluginVersion{
		GitTargetID: "t1",
		GitURL:      "widget-repo",
		GitUsername: "inline-user",
	}
	cred := ResolveCredential(v, stored)
	if cred.URL != "https://github.com/acme/widget-repo" {
		t.Errorf("URL = %q", cred.URL)
	}
	if cred.Username != "acme-bot" || cred.Token != "tok-stored" {
		t.Errorf("stored credential should win: %+v", cred)
	}

	inline := &model.PluginVersion{
		GitURL:         "https://github.com/me/repo",
		GitUsername:    "me",
		GitAccessToken: "tok-inline",
	}
	cred = ResolveCredential(inline, nil)
	if cred.URL != "https://github.com/me/repo" || cred.Token != "tok-inline" {
		t.Errorf("inline fallback: %+v", cred)
	}
}

func TestPullPath(t *testing.T) {
	a := NewAcquirer(nil, "/work", zap.NewNop())
	v := &model.PluginVersion{Name: "wx", PluginID: "p1"}
	want := filepath.Join("/work", "pull", "wx", "p1")
	if got := a.PullPath(v); got != want {
		t.Errorf("PullPath = %q, want %q", got, want)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Extract
// ────────────────────────────────────────────────────────────────────────────

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := tar.NewWriter(f)
	for name, content := range files {
		if err := w.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")
	writeZip(t, archive, map[string]string{
		"app/Dockerfile": "FROM scratch\n",
		"app/main.py":    "print('hi')\n",
	})

	dest := filepath.Join(dir, "out")
	if err := Extract(archive, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "app", "Dockerfile"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "FROM scratch\n" {
		t.Errorf("extracted content = %q", data)
	}
}

func TestExtractTar(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.tar")
	writeTar(t, archive, map[string]string{"plugin.tar": "binary", "signature": "sig"})

	dest := filepath.Join(dir, "out")
	if err := Extract(archive, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, name := range []string{"plugin.tar", "signature"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("missing %s after extraction: %v", name, err)
		}
	}
}

func TestExtractZipSlip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../escape.txt": "nope"})

	err := Extract(archive, filepath.Join(dir, "out"))
	if err == nil {
		t.Fatal("entry escaping the root should be rejected")
	}
	if !apperrors.IsKind(err, apperrors.KindBadContent) {
		t.Errorf("kind = %v, want bad_content", apperrors.KindOf(err))
	}
}

func TestExtractUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.rar")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Extract(path, dir); !apperrors.IsKind(err, apperrors.KindBadContent) {
		t.Errorf("Extract(.rar) kind = %v, want bad_content", apperrors.KindOf(err))
	}
}

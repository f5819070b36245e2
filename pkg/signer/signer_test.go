package signer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

func testSigner(run func(ctx context.Context, env []string, name string, args ...string) (string, error)) *Signer {
	s := New(true, "/keys/cosign.key", "/keys/cosign.pub", "pw", "user", "pass", false, zap.NewNop())
	s.run = run
	return s
}

func TestDisabledSignerIsNoOp(t *testing.T) {
	s := New(false, "", "", "", "", "", false, zap.NewNop())
	s.run = func(context.Context, []string, string, ...string) (string, error) {
		t.Fatal("disabled signer must not invoke cosign")
		return "", nil
	}
	if err := s.SignImage(context.Background(), "reg/img:1.0"); err != nil {
		t.Errorf("SignImage: %v", err)
	}
	if _, err := s.SignBlob(context.Background(), "/tmp/plugin.tar"); err != nil {
		t.Errorf("SignBlob: %v", err)
	}
	if err := s.VerifyBlob(context.Background(), "/tmp/plugin.tar", "/tmp/signature"); err != nil {
		t.Errorf("VerifyBlob: %v", err)
	}
}

func TestVerifyBlobCommand(t *testing.T) {
	var gotArgs []string
	s := testSigner(func(_ context.Context, _ []string, name string, args ...string) (string, error) {
		if name != "cosign" {
			t.Errorf("command = %q, want cosign", name)
		}
		gotArgs = args
		return "Verified OK", nil
	})
	if err := s.VerifyBlob(context.Background(), "/work/plugin.tar", "/work/signature"); err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"verify-blob", "--offline=true", "--key=/keys/cosign.pub", "--signature=/work/signature", "/work/plugin.tar"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, gotArgs)
		}
	}
}

func TestVerifyBlobFailure(t *testing.T) {
	s := testSigner(func(context.Context, []string, string, ...string) (string, error) {
		return "Error: no matching signatures", errors.New("exit status 1")
	})
	err := s.VerifyBlob(context.Background(), "/work/plugin.tar", "/work/signature")
	if !apperrors.IsKind(err, apperrors.KindSignatureInvalid) {
		t.Errorf("kind = %v, want signature_invalid", apperrors.KindOf(err))
	}
}

func TestSignBlobReturnsSignaturePath(t *testing.T) {
	s := testSigner(func(context.Context, []string, string, ...string) (string, error) {
		return "", nil
	})
	sig, err := s.SignBlob(context.Background(), "/work/export/plugin.tar")
	if err != nil {
		t.Fatalf("SignBlob: %v", err)
	}
	if sig != "/work/export/signature" {
		t.Errorf("signature path = %q", sig)
	}
}

func TestSignBlobPassesPassword(t *testing.T) {
	var gotEnv []string
	s := testSigner(func(_ context.Context, env []string, _ string, _ ...string) (string, error) {
		gotEnv = env
		return "", nil
	})
	if _, err := s.SignBlob(context.Background(), "/work/plugin.tar"); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range gotEnv {
		if e == "COSIGN_PASSWORD=pw" {
			found = true
		}
	}
	if !found {
		t.Errorf("COSIGN_PASSWORD missing from env: %v", gotEnv)
	}
}

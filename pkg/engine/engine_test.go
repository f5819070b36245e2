package engine

import (
	"strings"
	"testing"
)

func TestDrainStream(t *testing.T) {
	in := strings.NewReader(
		`{"stream":"Step 1/2 : FROM scratch\n"}` + "\n" +
			`{"status":"Pushing"}` + "\n" +
			`{"stream":"Successfully built abc123\n"}` + "\n")
	log, err := drainStream(in)
	if err != nil {
		t.Fatalf("drainStream: %v", err)
	}
	if !strings.Contains(log, "Step 1/2") || !strings.Contains(log, "Successfully built") {
		t.Errorf("log = %q", log)
	}
	if !strings.Contains(log, "Pushing") {
		t.Errorf("status lines should be captured: %q", log)
	}
}

func TestDrainStreamError(t *testing.T) {
	in := strings.NewReader(
		`{"stream":"Step 1/2 : FROM scratch\n"}` + "\n" +
			`{"error":"executor failed running"}` + "\n")
	log, err := drainStream(in)
	if err == nil {
		t.Fatal("embedded error should surface")
	}
	if !strings.Contains(err.Error(), "executor failed") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(log, "Step 1/2") {
		t.Errorf("log up to the failure should be kept: %q", log)
	}
}

func TestRepoOf(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"registry.example.com/wx-widget:1.0", "registry.example.com/wx-widget"},
		{"localhost:5000/wx-widget:1.0", "localhost:5000/wx-widget"},
		{"registry.example.com/wx-widget", "registry.example.com/wx-widget"},
	}
	for _, tt := range tests {
		if got := repoOf(tt.ref); got != tt.want {
			t.Errorf("repoOf(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

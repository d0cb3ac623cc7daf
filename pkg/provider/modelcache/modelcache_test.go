package modelcache_test

import (
	"path/filepath"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/provider/modelcache"
)

func TestRoot_EnvOverride(t *testing.T) {
	t.Setenv(modelcache.EnvVar, "/srv/voxpipe-cache")

	root, err := modelcache.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root != "/srv/voxpipe-cache" {
		t.Errorf("Root = %q, want %q", root, "/srv/voxpipe-cache")
	}
}

func TestRoot_DefaultUnderHome(t *testing.T) {
	t.Setenv(modelcache.EnvVar, "")
	t.Setenv("HOME", "/home/tester")

	root, err := modelcache.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	want := filepath.Join("/home/tester", ".cache", "voice-pipeline")
	if root != want {
		t.Errorf("Root = %q, want %q", root, want)
	}
}

func TestLayout(t *testing.T) {
	t.Setenv(modelcache.EnvVar, "/cache")

	bin, err := modelcache.BinDir()
	if err != nil {
		t.Fatalf("BinDir: %v", err)
	}
	if want := filepath.Join("/cache", "bin"); bin != want {
		t.Errorf("BinDir = %q, want %q", bin, want)
	}

	models, err := modelcache.ModelsDir()
	if err != nil {
		t.Fatalf("ModelsDir: %v", err)
	}
	if want := filepath.Join("/cache", "models"); models != want {
		t.Errorf("ModelsDir = %q, want %q", models, want)
	}
}

func TestResolveModel(t *testing.T) {
	t.Setenv(modelcache.EnvVar, "/cache")

	cases := []struct {
		name string
		ref  string
		want string
	}{
		{"bare name goes to models dir", "ggml-base.en.bin", filepath.Join("/cache", "models", "ggml-base.en.bin")},
		{"absolute path kept", "/opt/models/tiny.bin", "/opt/models/tiny.bin"},
		{"relative path with separator kept", "weights/tiny.bin", "weights/tiny.bin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := modelcache.ResolveModel(tc.ref)
			if err != nil {
				t.Fatalf("ResolveModel(%q): %v", tc.ref, err)
			}
			if got != tc.want {
				t.Errorf("ResolveModel(%q) = %q, want %q", tc.ref, got, tc.want)
			}
		})
	}

	if _, err := modelcache.ResolveModel(""); err == nil {
		t.Error("ResolveModel(\"\") should fail")
	}
}

func TestResolveBin(t *testing.T) {
	t.Setenv(modelcache.EnvVar, "/cache")

	got, err := modelcache.ResolveBin("llama-server")
	if err != nil {
		t.Fatalf("ResolveBin: %v", err)
	}
	if want := filepath.Join("/cache", "bin", "llama-server"); got != want {
		t.Errorf("ResolveBin = %q, want %q", got, want)
	}
}

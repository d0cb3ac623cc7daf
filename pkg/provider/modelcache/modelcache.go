// Package modelcache resolves the on-disk cache directory shared by the
// local inference back-ends.
//
// Layout under the root:
//
//	bin/     inference binaries (llama.cpp server, ...)
//	models/  model weight files (ggml-base.en.bin, ...)
//
// The root defaults to ~/.cache/voice-pipeline and can be overridden with
// the VOICE_PIPELINE_CACHE environment variable. Downloading into the cache
// is out of scope here; callers resolve paths and verify existence.
package modelcache

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar overrides the cache root when set.
const EnvVar = "VOICE_PIPELINE_CACHE"

// Root returns the cache root directory. It does not create it.
func Root() (string, error) {
	if dir := os.Getenv(EnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("modelcache: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "voice-pipeline"), nil
}

// BinDir returns the binaries directory under the cache root.
func BinDir() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "bin"), nil
}

// ModelsDir returns the model-file directory under the cache root.
func ModelsDir() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "models"), nil
}

// ResolveModel maps a model reference to an on-disk path. Absolute paths and
// paths containing a separator are taken as given; bare file names are
// looked up in the models directory.
func ResolveModel(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("modelcache: empty model reference")
	}
	if filepath.IsAbs(ref) || filepath.Dir(ref) != "." {
		return ref, nil
	}
	dir, err := ModelsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ref), nil
}

// ResolveBin maps a binary reference to an on-disk path with the same rules
// as [ResolveModel], searching the bin directory for bare names.
func ResolveBin(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("modelcache: empty binary reference")
	}
	if filepath.IsAbs(ref) || filepath.Dir(ref) != "." {
		return ref, nil
	}
	dir, err := BinDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ref), nil
}

// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    bin := testutil.RequireIREECompile(t)
//	    dir := testutil.RequireModelDir(t)
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// Environment variables consulted by the helpers.
const (
	IREECompileEnv = "SDTURBINE_COMPILE_BINARY"
	ModelDirEnv    = "SDTURBINE_MODEL_DIR"
)

// RequireIREECompile skips the test if iree-compile is not found in PATH or
// at the path given by SDTURBINE_COMPILE_BINARY. It returns the resolved path.
func RequireIREECompile(tb testing.TB) string {
	tb.Helper()

	exe := os.Getenv(IREECompileEnv)
	if exe == "" {
		exe = "iree-compile"
	}

	path, err := exec.LookPath(exe)
	if err != nil {
		tb.Skipf("iree-compile not available (%q not in PATH); set %s to override", exe, IREECompileEnv)
		return ""
	}

	return path
}

// RequireModelDir skips the test unless SDTURBINE_MODEL_DIR points at a
// downloaded model holding unet/config.json. It returns the directory.
func RequireModelDir(tb testing.TB) string {
	tb.Helper()

	dir := os.Getenv(ModelDirEnv)
	if dir == "" {
		tb.Skipf("%s not set; run `sdturbine model download` and point it at the models dir", ModelDirEnv)
		return ""
	}

	cfgPath := filepath.Join(dir, "unet", "config.json")
	if _, err := os.Stat(cfgPath); err != nil {
		tb.Skipf("model config not available at %q: %v", cfgPath, err)
		return ""
	}

	return dir
}

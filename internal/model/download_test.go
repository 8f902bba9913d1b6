package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUNetManifestDefaultRevision(t *testing.T) {
	m, err := UNetManifest("stabilityai/sd-turbo", "", "")
	if err != nil {
		t.Fatalf("manifest error: %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(m.Files))
	}
	if m.Files[0].Filename != "unet/config.json" {
		t.Fatalf("first file = %q; want unet/config.json", m.Files[0].Filename)
	}
	if m.Files[1].Filename != "unet/diffusion_pytorch_model.safetensors" || m.Files[1].Fallback != "" {
		t.Fatalf("unexpected weights entry: %+v", m.Files[1])
	}
	for _, f := range m.Files {
		if f.Revision != DefaultRevision {
			t.Fatalf("revision = %q; want %q", f.Revision, DefaultRevision)
		}
	}
}

func TestUNetManifestVariantFallsBack(t *testing.T) {
	m, err := UNetManifest("/stabilityai/sd-turbo/", "abc", "fp16")
	if err != nil {
		t.Fatalf("manifest error: %v", err)
	}
	if m.Repo != "stabilityai/sd-turbo" {
		t.Fatalf("repo = %q", m.Repo)
	}
	w := m.Files[1]
	if w.Filename != "unet/diffusion_pytorch_model.fp16.safetensors" {
		t.Fatalf("weights = %q", w.Filename)
	}
	if w.Fallback != "unet/diffusion_pytorch_model.safetensors" {
		t.Fatalf("fallback = %q", w.Fallback)
	}
	if w.Revision != "abc" {
		t.Fatalf("revision = %q", w.Revision)
	}
}

func TestUNetManifestRejectsBareName(t *testing.T) {
	if _, err := UNetManifest("sd-turbo", "", ""); err == nil {
		t.Fatal("expected error for id without org")
	}
}

func TestNormalizeETag(t *testing.T) {
	got := normalizeETag(`W/"58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"`)
	want := "58aa704a88faad35f22c34ea1cb55c4c5629de8b8e035c6e4936e2673dc07617"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !isSHA256Hex(got) {
		t.Fatalf("expected valid sha256")
	}
}

func TestExistingMatches(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "x.bin")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ok, err := existingMatches(p, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	if err != nil {
		t.Fatalf("existingMatches error: %v", err)
	}
	if !ok {
		t.Fatal("expected checksum match")
	}
}

// fakeHub serves files by path suffix and advertises sha256 ETags for the
// names listed in lfs.
func fakeHub(t *testing.T, files map[string][]byte, lfs map[string]bool) (*httptest.Server, *int) {
	t.Helper()

	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[strings.Index(r.URL.Path, "/unet/")+1:]
		body, ok := files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if lfs[name] {
			w.Header().Set("X-Linked-Etag", `"`+sha256hex(body)+`"`)
		} else {
			w.Header().Set("Etag", `"0123abcd"`)
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		gets++
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	return srv, &gets
}

func TestDownloadEndToEnd(t *testing.T) {
	cfg := []byte(`{"in_channels": 4}`)
	weights := []byte("weights-fp16")
	srv, gets := fakeHub(t, map[string][]byte{
		"unet/config.json": cfg,
		"unet/diffusion_pytorch_model.fp16.safetensors": weights,
	}, map[string]bool{"unet/diffusion_pytorch_model.fp16.safetensors": true})

	out := t.TempDir()
	opts := DownloadOptions{
		Repo:    "stabilityai/sd-turbo",
		Variant: "fp16",
		OutDir:  out,
		Stdout:  &strings.Builder{},
		Client:  newHFClient(srv.URL),
	}

	if err := Download(context.Background(), opts); err != nil {
		t.Fatalf("Download error = %v", err)
	}
	if *gets != 2 {
		t.Fatalf("GET count = %d; want 2", *gets)
	}

	got, err := os.ReadFile(filepath.Join(out, "unet", "diffusion_pytorch_model.fp16.safetensors"))
	if err != nil || string(got) != string(weights) {
		t.Fatalf("weights not written: %v %q", err, got)
	}

	lock := readLockManifest(filepath.Join(out, LockFileName))
	if lock.Files["unet/config.json"].SHA256 != sha256hex(cfg) {
		t.Fatalf("config checksum not recorded: %+v", lock.Files)
	}

	// A second run trusts the recorded checksums and downloads nothing.
	if err := Download(context.Background(), opts); err != nil {
		t.Fatalf("second Download error = %v", err)
	}
	if *gets != 2 {
		t.Fatalf("GET count after rerun = %d; want 2", *gets)
	}
}

func TestDownloadFallsBackToPlainCheckpoint(t *testing.T) {
	srv, _ := fakeHub(t, map[string][]byte{
		"unet/config.json":                         []byte(`{}`),
		"unet/diffusion_pytorch_model.safetensors": []byte("fp32"),
	}, nil)

	out := t.TempDir()
	stderr := &strings.Builder{}
	err := Download(context.Background(), DownloadOptions{
		Repo:    "org/model",
		Variant: "fp16",
		OutDir:  out,
		Stderr:  stderr,
		Client:  newHFClient(srv.URL),
	})
	if err != nil {
		t.Fatalf("Download error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(out, "unet", "diffusion_pytorch_model.safetensors")); err != nil {
		t.Fatalf("fallback checkpoint missing: %v", err)
	}
	if !strings.Contains(stderr.String(), "falling back") {
		t.Fatalf("stderr = %q; want fallback notice", stderr.String())
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Linked-Etag", strings.Repeat("a", 64))
		if r.Method == http.MethodGet {
			w.Write([]byte("tampered"))
		}
	}))
	defer srv.Close()

	err := Download(context.Background(), DownloadOptions{
		Repo:   "org/model",
		OutDir: t.TempDir(),
		Client: newHFClient(srv.URL),
	})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

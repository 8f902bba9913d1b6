package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// LockFileName is written into the output directory after every download.
const LockFileName = "download-manifest.lock.json"

type DownloadOptions struct {
	Repo     string
	Revision string
	Variant  string
	OutDir   string
	HFToken  string
	Stdout   io.Writer
	Stderr   io.Writer
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

type AccessDeniedError struct {
	Repo string
	Msg  string
}

func (e *AccessDeniedError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("access denied for %s", e.Repo)
}

var errNotFound = errors.New("not found upstream")

type lockManifest struct {
	Repo      string                `json:"repo"`
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Download fetches the UNet files of opts.Repo into opts.OutDir, keeping the
// repository layout. Files whose checksum already matches are skipped.
func Download(ctx context.Context, opts DownloadOptions) error {
	if opts.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if opts.OutDir == "" {
		return fmt.Errorf("out dir is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	manifest, err := UNetManifest(opts.Repo, opts.Revision, opts.Variant)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	lockPath := filepath.Join(opts.OutDir, LockFileName)
	lock := readLockManifest(lockPath)
	if lock.Files == nil {
		lock.Files = make(map[string]lockRecord)
	}
	lock.Repo = manifest.Repo
	lock.Generated = time.Now().UTC().Format(time.RFC3339)

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}

	for _, f := range manifest.Files {
		rec, err := fetchFile(ctx, client, manifest.Repo, f, lock, opts)
		if errors.Is(err, errNotFound) && f.Fallback != "" {
			fmt.Fprintf(opts.Stderr, "%s not found, falling back to %s\n", f.Filename, f.Fallback)
			f = ModelFile{Filename: f.Fallback, Revision: f.Revision}
			rec, err = fetchFile(ctx, client, manifest.Repo, f, lock, opts)
		}
		if err != nil {
			return err
		}
		lock.Files[f.Filename] = rec
	}

	if err := writeLockManifest(lockPath, lock); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "wrote lock manifest: %s\n", lockPath)
	return nil
}

func fetchFile(ctx context.Context, client *http.Client, repo string, f ModelFile, lock lockManifest, opts DownloadOptions) (lockRecord, error) {
	expected := strings.ToLower(f.SHA256)
	if expected == "" {
		if lr, ok := lock.Files[f.Filename]; ok && lr.Revision == f.Revision && isSHA256Hex(lr.SHA256) {
			expected = strings.ToLower(lr.SHA256)
		} else {
			var err error
			expected, err = resolveChecksumFromMetadata(ctx, client, repo, f, opts.HFToken)
			if err != nil {
				return lockRecord{}, err
			}
		}
	}

	localPath := filepath.Join(opts.OutDir, filepath.FromSlash(f.Filename))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return lockRecord{}, fmt.Errorf("create local subdir: %w", err)
	}

	if expected != "" {
		if ok, err := existingMatches(localPath, expected); err != nil {
			return lockRecord{}, err
		} else if ok {
			fmt.Fprintf(opts.Stdout, "skip %s (checksum match)\n", f.Filename)
			return lockRecord{Revision: f.Revision, SHA256: expected}, nil
		}
	}

	fmt.Fprintf(opts.Stdout, "download %s@%s -> %s\n", f.Filename, f.Revision, localPath)
	actual, err := downloadWithProgress(ctx, client, repo, f, opts.HFToken, localPath, opts.Stdout)
	if err != nil {
		return lockRecord{}, err
	}

	if expected == "" {
		// No sha256 upstream (small non-LFS files): record what was fetched.
		fmt.Fprintf(opts.Stdout, "recorded %s (sha256=%s)\n", f.Filename, actual)
		return lockRecord{Revision: f.Revision, SHA256: actual}, nil
	}

	if actual != expected {
		return lockRecord{}, fmt.Errorf("checksum mismatch for %s: expected %s got %s", f.Filename, expected, actual)
	}
	fmt.Fprintf(opts.Stdout, "verified %s (sha256=%s)\n", f.Filename, actual)

	return lockRecord{Revision: f.Revision, SHA256: expected}, nil
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing file: %w", err)
	}
	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}
	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

func checkStatus(resp *http.Response, repo string, file ModelFile, what string, maxOK int) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AccessDeniedError{
			Repo: repo,
			Msg:  fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-auth-token", repo),
		}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", what, file.Filename, errNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > maxOK:
		return fmt.Errorf("%s failed for %s: %s", what, file.Filename, resp.Status)
	}
	return nil
}

func downloadWithProgress(ctx context.Context, client *http.Client, repo string, file ModelFile, token, outPath string, stdout io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL(repo, file), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	setAuth(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, repo, file, "download", 299); err != nil {
		return "", err
	}

	tmp := outPath + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	pw := &progressWriter{out: stdout, total: resp.ContentLength, last: time.Now()}

	if _, err := io.Copy(io.MultiWriter(fh, h, pw), resp.Body); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("download read failed: %w", err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// progressWriter prints a progress line at most every 700ms.
type progressWriter struct {
	out     io.Writer
	total   int64
	written int64
	last    time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if time.Since(p.last) > 700*time.Millisecond {
		if p.total > 0 {
			pct := float64(p.written) * 100 / float64(p.total)
			fmt.Fprintf(p.out, "  progress: %.1f%% (%d/%d bytes)\n", pct, p.written, p.total)
		} else {
			fmt.Fprintf(p.out, "  progress: %d bytes\n", p.written)
		}
		p.last = time.Now()
	}
	return len(b), nil
}

// resolveChecksumFromMetadata returns the sha256 advertised for f, or "" when
// the server only exposes a non-sha256 ETag.
func resolveChecksumFromMetadata(ctx context.Context, client *http.Client, repo string, f ModelFile, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolveURL(repo, f), nil)
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	setAuth(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed for %s: %w", f.Filename, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, repo, f, "metadata request", 399); err != nil {
		return "", err
	}

	for _, key := range []string{"X-Linked-Etag", "X-Repo-Commit", "Etag"} {
		if v := normalizeETag(resp.Header.Get(key)); isSHA256Hex(v) {
			return strings.ToLower(v), nil
		}
	}

	return "", nil
}

func resolveURL(repo string, file ModelFile) string {
	return fmt.Sprintf("https://huggingface.co/%s/resolve/%s/%s", repo, file.Revision, file.Filename)
}

func setAuth(req *http.Request, token string) {
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, "\"")
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, "\"")
	return v
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readLockManifest(path string) lockManifest {
	b, err := os.ReadFile(path)
	if err != nil {
		return lockManifest{}
	}
	var out lockManifest
	if err := json.Unmarshal(b, &out); err != nil {
		return lockManifest{}
	}
	if out.Files == nil {
		out.Files = map[string]lockRecord{}
	}
	return out
}

func writeLockManifest(path string, lock lockManifest) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write lock manifest: %w", err)
	}
	return nil
}

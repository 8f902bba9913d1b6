package doctor_test

import (
	"strings"
	"testing"

	"github.com/example/go-sd-turbine/internal/doctor"
)

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	cfg := doctor.Config{
		IREEVersion:   func() (string, error) { return "IREE compiler version 20240410.859 @ 5f0e5d7", nil },
		ModelFiles:    []string{"doctor_test.go"},
		HostMemory:    func() (uint64, error) { return 16 << 30, nil },
		MaxAllocation: 4 << 30,
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	body := out.String()
	if !strings.Contains(body, "iree-compile") {
		t.Error("output should mention iree-compile")
	}

	if !strings.Contains(body, "host memory: 16.0 GiB") {
		t.Errorf("output should report host memory; got:\n%s", body)
	}
}

// ---------------------------------------------------------------------------
// iree-compile
// ---------------------------------------------------------------------------

func TestRun_IREEMissingFails(t *testing.T) {
	cfg := doctor.Config{
		IREEVersion: func() (string, error) { return "", errBinaryNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when iree-compile is not found")
	}

	if !hasFailureContaining(result.Failures(), "iree-compile") {
		t.Errorf("expected failure mentioning iree-compile, got: %v", result.Failures())
	}
}

func TestRun_IREEVersions(t *testing.T) {
	tests := []struct {
		ver      string
		wantFail bool
	}{
		{"IREE compiler version 20240410.859 @ 5f0e5d7", false},
		{"IREE compiler version 3.1.0rc20241204 @ abc", false},
		{"20231130.1", true},
		{"IREE compiler version 1.0.0 @ abc", true},
		{"garbage", true},
	}

	for _, tt := range tests {
		t.Run(tt.ver, func(t *testing.T) {
			cfg := doctor.Config{
				IREEVersion: func() (string, error) { return tt.ver, nil },
			}

			var out strings.Builder

			result := doctor.Run(cfg, &out)
			if result.Failed() != tt.wantFail {
				t.Errorf("version %q: failed = %v; want %v (%v)", tt.ver, result.Failed(), tt.wantFail, result.Failures())
			}
		})
	}
}

func TestRun_SkipIREE(t *testing.T) {
	var out strings.Builder

	result := doctor.Run(doctor.Config{SkipIREE: true}, &out)
	if result.Failed() {
		t.Fatalf("expected no failures when the compiler check is skipped, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "iree-compile: skipped") {
		t.Fatalf("expected skipped output, got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// model files
// ---------------------------------------------------------------------------

func TestRun_MissingModelFileFails(t *testing.T) {
	cfg := doctor.Config{
		SkipIREE:   true,
		ModelFiles: []string{"/nonexistent/unet/config.json"},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for missing model file")
	}

	if !hasFailureContaining(result.Failures(), "model file") {
		t.Errorf("expected failure mentioning model file, got: %v", result.Failures())
	}
}

func TestRun_ValidateWeightsCallback(t *testing.T) {
	cfg := doctor.Config{
		SkipIREE:    true,
		WeightsPath: "doctor_test.go",
		ValidateWeights: func(_ string) error {
			return sentinelError("bad header")
		},
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure from validation callback")
	}

	if !hasFailureContaining(result.Failures(), "validation") {
		t.Errorf("expected failure mentioning validation, got: %v", result.Failures())
	}
}

func TestRun_ValidateWeightsPassesOnSuccess(t *testing.T) {
	cfg := doctor.Config{
		SkipIREE:        true,
		WeightsPath:     "doctor_test.go",
		ValidateWeights: func(_ string) error { return nil },
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Errorf("expected pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "validation: ok") {
		t.Errorf("output should contain 'validation: ok'; got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// host memory
// ---------------------------------------------------------------------------

func TestRun_HostMemoryBelowMaxAllocation(t *testing.T) {
	cfg := doctor.Config{
		SkipIREE:      true,
		HostMemory:    func() (uint64, error) { return 2 << 30, nil },
		MaxAllocation: 4 << 30,
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure when memory is below the max allocation")
	}

	if !strings.Contains(out.String(), doctor.FailMark+" host memory") {
		t.Errorf("output should flag host memory; got:\n%s", out.String())
	}
}

func TestRun_HostMemoryError(t *testing.T) {
	cfg := doctor.Config{
		SkipIREE:   true,
		HostMemory: func() (uint64, error) { return 0, sentinelError("no /proc") },
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !hasFailureContaining(result.Failures(), "host memory") {
		t.Errorf("expected host memory failure, got: %v", result.Failures())
	}
}

func TestHostMemoryReportsNonZero(t *testing.T) {
	total, err := doctor.HostMemory()
	if err != nil {
		t.Skipf("host memory unavailable: %v", err)
	}

	if total == 0 {
		t.Error("HostMemory() = 0; want total bytes")
	}
}

// ---------------------------------------------------------------------------
// colour-coded output
// ---------------------------------------------------------------------------

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		IREEVersion: func() (string, error) { return "", errBinaryNotFound },
		ModelFiles:  []string{"doctor_test.go"},
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) {
		t.Errorf("output missing pass marker %q:\n%s", doctor.PassMark, body)
	}

	if !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output missing fail marker %q:\n%s", doctor.FailMark, body)
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errBinaryNotFound = sentinelError("binary not found")

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}

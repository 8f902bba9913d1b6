// Package doctor provides environment preflight checks for sdturbine.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// minIREEDate is the oldest date-stamped iree-compile release that
// understands named stream parameters.
const minIREEDate = 20240101

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// MemoryFunc returns the total host memory in bytes.
type MemoryFunc func() (uint64, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// IREEVersion returns the iree-compile version, e.g. "20240410.859".
	IREEVersion VersionFunc
	// SkipIREE skips the compiler check (torch-only exports).
	SkipIREE bool
	// ModelFiles are paths that must exist on disk.
	ModelFiles []string
	// WeightsPath is validated with ValidateWeights when both are set.
	WeightsPath     string
	ValidateWeights func(path string) error
	// HostMemory reports total memory; nil skips the check.
	HostMemory MemoryFunc
	// MaxAllocation is the largest single device allocation the export will request.
	MaxAllocation int64
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- iree-compile -----------------------------------------------------
	switch {
	case cfg.SkipIREE:
		fmt.Fprintf(w, "%s iree-compile: skipped\n", PassMark)
	case cfg.IREEVersion == nil:
		res.fail("iree-compile: no version probe configured")
		fmt.Fprintf(w, "%s iree-compile: not configured\n", FailMark)
	default:
		ver, err := cfg.IREEVersion()
		if err != nil {
			res.fail(fmt.Sprintf("iree-compile: %v", err))
			fmt.Fprintf(w, "%s iree-compile: not found (%v)\n", FailMark, err)
		} else if verErr := checkIREEVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("iree-compile version: %v", verErr))
			fmt.Fprintf(w, "%s iree-compile %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s iree-compile: %s\n", PassMark, ver)
		}
	}

	// ---- model files ------------------------------------------------------
	for _, path := range cfg.ModelFiles {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("model file %q: %v", path, err))
			fmt.Fprintf(w, "%s model file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s model file: %s\n", PassMark, path)
		}
	}

	if cfg.WeightsPath != "" && cfg.ValidateWeights != nil {
		if err := cfg.ValidateWeights(cfg.WeightsPath); err != nil {
			res.fail(fmt.Sprintf("weights validation: %v", err))
			fmt.Fprintf(w, "%s weights validation: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s weights validation: ok\n", PassMark)
		}
	}

	// ---- host memory ------------------------------------------------------
	if cfg.HostMemory != nil {
		total, err := cfg.HostMemory()
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("host memory: %v", err))
			fmt.Fprintf(w, "%s host memory: %v\n", FailMark, err)
		case cfg.MaxAllocation > 0 && total < uint64(cfg.MaxAllocation):
			res.fail(fmt.Sprintf("host memory: %d bytes is below the max allocation of %d bytes", total, cfg.MaxAllocation))
			fmt.Fprintf(w, "%s host memory: %s < max allocation %s\n", FailMark, gib(total), gib(uint64(cfg.MaxAllocation)))
		default:
			fmt.Fprintf(w, "%s host memory: %s\n", PassMark, gib(total))
		}
	}

	return res
}

// HostMemory reads the total physical memory of the machine.
func HostMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}

	return vm.Total, nil
}

func gib(b uint64) string {
	return fmt.Sprintf("%.1f GiB", float64(b)/(1<<30))
}

// checkIREEVersion rejects date-stamped releases older than minIREEDate.
// Semantic versions ("3.1.0") are accepted from major 2 onwards.
func checkIREEVersion(ver string) error {
	major, _, err := parseMajorMinor(versionToken(ver))
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major >= 10000000 {
		if major < minIREEDate {
			return fmt.Errorf("requires a release from %d or later, got %d", minIREEDate, major)
		}
		return nil
	}
	if major < 2 {
		return fmt.Errorf("requires iree-compile >=2, got %d", major)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(leadingDigits(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}

// versionToken picks the version out of a line such as
// "IREE compiler version 20240410.859 @ 5f0e5d7".
func versionToken(line string) string {
	for _, f := range strings.Fields(line) {
		if f[0] >= '0' && f[0] <= '9' && strings.Contains(f, ".") {
			return f
		}
	}
	return strings.TrimSpace(line)
}

// leadingDigits trims suffixes such as "0rc20241118".
func leadingDigits(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}

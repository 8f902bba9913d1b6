// Package iree drives the iree-compile tool: lowering torch-dialect modules to
// the input dialects and compiling them into device-specific .vmfb files.
package iree

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// Supported target devices.
const (
	DeviceCPU    = "cpu"
	DeviceVulkan = "vulkan"
	DeviceROCm   = "rocm"
	DeviceCUDA   = "cuda"
)

// DefaultMaxAllocation is the Vulkan resource allocation limit used when none
// is configured.
const DefaultMaxAllocation int64 = 4294967296

// CompileOptions selects the backend and its target parameters.
type CompileOptions struct {
	Device string
	// TargetTriple is the device triple: a Vulkan target, a ROCm chip, a CUDA
	// arch or an LLVM CPU triple. Detected from the host for cpu when empty.
	TargetTriple string
	// MaxAllocation bounds a single Vulkan resource allocation in bytes.
	MaxAllocation int64
}

// Backend maps a device name to its iree-compile HAL target backend.
func Backend(device string) (string, error) {
	switch strings.ToLower(device) {
	case DeviceCPU, "llvm-cpu":
		return "llvm-cpu", nil
	case DeviceVulkan:
		return "vulkan-spirv", nil
	case DeviceROCm:
		return "rocm", nil
	case DeviceCUDA:
		return "cuda", nil
	default:
		return "", fmt.Errorf("iree: unsupported device %q (want cpu, vulkan, rocm or cuda)", device)
	}
}

// Flags returns the iree-compile arguments for opts, excluding input and
// output paths.
func Flags(opts CompileOptions) ([]string, error) {
	backend, err := Backend(opts.Device)
	if err != nil {
		return nil, err
	}

	if backend != "llvm-cpu" && opts.TargetTriple == "" {
		return nil, fmt.Errorf("iree: device %s requires a target triple", opts.Device)
	}

	cpuTriple := ""
	if backend == "llvm-cpu" {
		cpuTriple = opts.TargetTriple
	}

	if cpuTriple == "" {
		cpuTriple, err = DetectCPUTriple()
		if err != nil {
			return nil, err
		}
	}

	flags := []string{
		"--iree-input-type=torch",
		"--iree-hal-target-backends=" + backend,
		"--mlir-print-debuginfo",
		"--mlir-print-op-on-diagnostic=false",
		"--iree-llvmcpu-target-cpu-features=host",
		"--iree-llvmcpu-target-triple=" + cpuTriple,
		"--iree-stream-resource-index-bits=64",
		"--iree-vm-target-index-bits=64",
		"--iree-flow-inline-constants-max-byte-length=1",
	}

	switch backend {
	case "llvm-cpu":
		flags = append(flags, "--iree-llvmcpu-enable-ukernels=all")
	case "vulkan-spirv":
		maxAlloc := opts.MaxAllocation
		if maxAlloc <= 0 {
			maxAlloc = DefaultMaxAllocation
		}

		flags = append(flags,
			"--iree-vulkan-target-triple="+opts.TargetTriple,
			"--iree-stream-resource-max-allocation-size="+strconv.FormatInt(maxAlloc, 10),
		)
	case "rocm":
		flags = append(flags,
			"--iree-rocm-target-chip="+opts.TargetTriple,
			"--iree-rocm-link-bc=true",
			"--iree-rocm-bc-dir=/opt/rocm/amdgcn/bitcode",
			"--iree-vm-bytecode-module-strip-source-map=true",
			"--iree-opt-strip-assertions=true",
			"--iree-vm-target-truncate-unsupported-floats",
		)
	case "cuda":
		flags = append(flags,
			"--iree-hal-cuda-llvm-target-arch="+opts.TargetTriple,
			"--iree-vm-bytecode-module-strip-source-map=true",
			"--iree-vm-target-truncate-unsupported-floats",
		)
	}

	return flags, nil
}

// kernelArch is swapped in tests.
var kernelArch = host.KernelArch

// DetectCPUTriple builds an LLVM target triple for the host machine.
func DetectCPUTriple() (string, error) {
	arch, err := kernelArch()
	if err != nil {
		return "", fmt.Errorf("iree: detect host architecture: %w", err)
	}

	return cpuTriple(arch, runtime.GOOS), nil
}

func cpuTriple(arch, goos string) string {
	switch arch {
	case "amd64", "x64":
		arch = "x86_64"
	case "arm64":
		if goos != "darwin" {
			arch = "aarch64"
		}
	case "aarch64":
		if goos == "darwin" {
			arch = "arm64"
		}
	}

	switch goos {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-linux-gnu"
	}
}

package config

import (
	"fmt"
	"strings"
)

const (
	StageTorch  = "torch"
	StageLinalg = "linalg"
	StageVMFB   = "vmfb"
)

const (
	DeviceCPU    = "cpu"
	DeviceVulkan = "vulkan"
	DeviceROCm   = "rocm"
	DeviceCUDA   = "cuda"
)

// NormalizeStage canonicalizes a --compile-to value. Empty means torch.
func NormalizeStage(raw string) (string, error) {
	stage := strings.ToLower(strings.TrimSpace(raw))
	if stage == "" {
		stage = StageTorch
	}
	switch stage {
	case StageTorch, StageLinalg, StageVMFB:
		return stage, nil
	default:
		return "", fmt.Errorf(
			"invalid compile-to %q (expected %s|%s|%s)",
			raw,
			StageTorch,
			StageLinalg,
			StageVMFB,
		)
	}
}

// NormalizeDevice canonicalizes a --device value, accepting the iree backend
// names as aliases.
func NormalizeDevice(raw string) (string, error) {
	device := strings.ToLower(strings.TrimSpace(raw))
	if device == "" {
		device = DeviceCPU
	}
	switch device {
	case DeviceCPU, DeviceVulkan, DeviceROCm, DeviceCUDA:
		return device, nil
	case "llvm-cpu", "host":
		return DeviceCPU, nil
	case "vulkan-spirv":
		return DeviceVulkan, nil
	default:
		return "", fmt.Errorf(
			"invalid device %q (expected %s|%s|%s|%s)",
			raw,
			DeviceCPU,
			DeviceVulkan,
			DeviceROCm,
			DeviceCUDA,
		)
	}
}

package ember

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device names the compute target for a run. The orchestrator itself is
// single-device; "auto" resolves to the best available target at
// construction time.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
)

// Validate rejects device names this build cannot target.
func (d Device) Validate() error {
	switch d {
	case DeviceAuto, DeviceCPU:
		return nil
	default:
		return configErrorf("trainer", "device", "unsupported device %q (supported: auto, cpu)", string(d))
	}
}

// Resolve maps "auto" to a concrete device.
func (d Device) Resolve() Device {
	if d == DeviceAuto {
		return DeviceCPU
	}
	return d
}

// Describe reports the resolved device with the host CPU brand and the
// vector features the math kernels care about.
func (d Device) Describe() string {
	r := d.Resolve()
	if r != DeviceCPU {
		return string(r)
	}
	var feats []string
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		feats = append(feats, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.AVX2) {
		feats = append(feats, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.FMA3) {
		feats = append(feats, "fma3")
	}
	if len(feats) == 0 {
		return fmt.Sprintf("cpu (%s)", cpuid.CPU.BrandName)
	}
	return fmt.Sprintf("cpu (%s, %s)", cpuid.CPU.BrandName, strings.Join(feats, " "))
}

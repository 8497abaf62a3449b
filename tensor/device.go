package tensor

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrUnsupportedDevice is returned for device strings naming accelerators this build cannot drive.
var ErrUnsupportedDevice = errors.New("tensor: unsupported device")

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Device is a parsed device string such as "cpu" or "cpu:0".
type Device struct {
	Type  DeviceType
	Index int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(d.Type.String()), d.Index)
}

// ParseDevice accepts "cpu" and "cpu:N". Anything else, e.g. "cuda:0", is rejected.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Device{Type: CPU}, nil
	}
	name, idx, hasIdx := strings.Cut(s, ":")
	if name != "cpu" {
		return Device{}, fmt.Errorf("%w: %q", ErrUnsupportedDevice, s)
	}
	d := Device{Type: CPU}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		d.Index = n
	}
	return d, nil
}

// DeviceInfo describes the host CPU.
type DeviceInfo struct {
	Brand         string
	Arch          string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	// HalfPrecision is true when the CPU converts fp16 in hardware (F16C on x86, FPHP on arm64).
	HalfPrecision bool
}

// Detect reports the features of the host CPU.
func Detect() DeviceInfo {
	info := DeviceInfo{
		Brand:         cpuid.CPU.BrandName,
		Arch:          runtime.GOARCH,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		HalfPrecision: cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.FPHP),
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.Brand == "" {
		info.Brand = "unknown"
	}
	return info
}

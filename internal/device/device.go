// Package device probes the host once at startup and decides which optional
// numeric features a training run may use.
package device

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DefaultLossScale is the static factor applied to the loss before the
// backward pass when mixed precision is active.
const DefaultLossScale = 65536.0

type Capabilities struct {
	Brand         string
	LogicalCores  int
	Arch          string
	HalfPrecision bool
	Features      []string
}

// Probe inspects the CPU for half-precision arithmetic support.
func Probe() Capabilities {
	caps := Capabilities{
		Brand:        cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
		Arch:         runtime.GOARCH,
	}
	if caps.LogicalCores <= 0 {
		caps.LogicalCores = runtime.NumCPU()
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512FP16):
		caps.HalfPrecision = true
	case cpuid.CPU.Supports(cpuid.F16C, cpuid.AVX2, cpuid.FMA3):
		caps.HalfPrecision = true
	case cpuid.CPU.Supports(cpuid.FPHP, cpuid.ASIMDHP):
		caps.HalfPrecision = true
	}
	caps.Features = cpuid.CPU.FeatureSet()
	return caps
}

// Decision records whether mixed precision is used for a run and why.
type Decision struct {
	MixedPrecision bool
	LossScale      float64
	Reason         string
}

// Negotiate settles mixed precision once for a whole run. It is enabled only
// when requested, supported by the host and the optimizer can unscale
// gradients before stepping.
func Negotiate(requested bool, caps Capabilities, optimizerUnscales bool) Decision {
	switch {
	case !requested:
		return Decision{LossScale: 1, Reason: "not requested"}
	case !caps.HalfPrecision:
		return Decision{LossScale: 1, Reason: "host lacks half-precision arithmetic"}
	case !optimizerUnscales:
		return Decision{LossScale: 1, Reason: "optimizer cannot unscale gradients"}
	}
	return Decision{MixedPrecision: true, LossScale: DefaultLossScale, Reason: "enabled"}
}

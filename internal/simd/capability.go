package simd

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Features is a snapshot of the host CPU capabilities relevant to the engine.
type Features struct {
	Arch   string
	Brand  string
	AVX2   bool // x86-64 AVX2 + FMA
	AVX512 bool // x86-64 AVX-512 F+BW
	F16C   bool // x86-64 half-precision conversion
	ASIMD  bool // ARM64 NEON
	SVE2   bool // ARM64 SVE2
	Cores  int
}

// String renders the features as a compact single line.
func (f Features) String() string {
	var flags []string
	add := func(name string, ok bool) {
		if ok {
			flags = append(flags, name)
		}
	}
	add("avx2", f.AVX2)
	add("avx512", f.AVX512)
	add("f16c", f.F16C)
	add("asimd", f.ASIMD)
	add("sve2", f.SVE2)
	if len(flags) == 0 {
		flags = append(flags, "generic")
	}
	return f.Arch + " [" + strings.Join(flags, ",") + "] " + f.Brand
}

// Platform-specific init functions fill these flags before anything else runs.
var (
	hasAVX2     bool
	hasAVX512F  bool
	hasAVX512BW bool
	hasASIMD    bool
	hasSVE2     bool
)

// disableEnv forces the quantized path to report missing vector support.
const disableEnv = "GRAPHANN_DISABLE_SIMD"

var detect = sync.OnceValue(func() Features {
	f := Features{
		Arch:   runtime.GOARCH,
		Brand:  strings.TrimSpace(cpuid.CPU.BrandName),
		AVX2:   hasAVX2,
		AVX512: hasAVX512F && hasAVX512BW,
		F16C:   cpuid.CPU.Has(cpuid.F16C),
		ASIMD:  hasASIMD,
		SVE2:   hasSVE2,
		Cores:  cpuid.CPU.PhysicalCores,
	}
	if f.Cores <= 0 {
		f.Cores = runtime.NumCPU()
	}
	if disabled, _ := strconv.ParseBool(os.Getenv(disableEnv)); disabled {
		f.AVX2, f.AVX512, f.ASIMD, f.SVE2 = false, false, false, false
	}
	return f
})

// Detect returns the cached host features. The probe runs once per process.
func Detect() Features {
	return detect()
}

// HasAVX2 returns true if x86-64 AVX2+FMA is available.
func HasAVX2() bool {
	return Detect().AVX2
}

// HasF16C returns true if hardware float16 conversion is available.
func HasF16C() bool {
	return Detect().F16C
}

// QuantizationSupported reports whether the host has the vector instructions
// required by quantized indexes: AVX2 on x86-64 and NEON on ARM64.
func QuantizationSupported() bool {
	f := Detect()
	switch f.Arch {
	case "amd64":
		return f.AVX2
	case "arm64":
		return f.ASIMD
	default:
		return false
	}
}

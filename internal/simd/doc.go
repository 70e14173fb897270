// Package simd probes the host CPU for the vector instruction sets the engine
// depends on.
//
// Detection runs once per process and is cached. x86-64 flags come from
// golang.org/x/sys/cpu; F16C, brand and core count come from
// github.com/klauspost/cpuid/v2.
//
// Set GRAPHANN_DISABLE_SIMD=1 to make the probe report no vector support.
package simd

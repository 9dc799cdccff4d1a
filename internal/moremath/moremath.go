// Package moremath holds float helpers whose edge cases follow WebAssembly rather than package math.
package moremath

import "math"

// WasmCompatMin is math.Min with WebAssembly semantics: either operand being NaN results in NaN even if the other is
// -Inf, and min(+0, -0) is -0 regardless of argument order.
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax is math.Max with WebAssembly semantics: either operand being NaN results in NaN even if the other is
// +Inf, and max(+0, -0) is +0 regardless of argument order.
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatMin32 is WasmCompatMin for float32 operands.
func WasmCompatMin32(x, y float32) float32 {
	return float32(WasmCompatMin(float64(x), float64(y)))
}

// WasmCompatMax32 is WasmCompatMax for float32 operands.
func WasmCompatMax32(x, y float32) float32 {
	return float32(WasmCompatMax(float64(x), float64(y)))
}

package numeric

import "github.com/unwasm/unwasm/internal/wasmruntime"

// The truncation bounds below keep the comparisons exactly as the translated code performs them: each bound is the
// target limit converted to the source float type, and the upper comparison is '>=' except for the f64 to 32-bit
// conversions, where the limit is exactly representable and the comparison is '>'. Note this means f64 inputs in
// (2^31-1, 2^31) trap for I32TruncF64S, and inputs in (-2^31-1, -2^31) trap as well.
const (
	two31 = 2147483648.0
	two32 = 4294967296.0
	two63 = 9223372036854775808.0
	two64 = 18446744073709551616.0
)

// I32TruncF32S is i32.trunc_f32_s.
func I32TruncF32S(x float32) uint32 {
	if x != x { // NaN cannot be compared with themselves
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x < -two31 || x >= two31 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(int32(x))
}

// I64TruncF32S is i64.trunc_f32_s.
func I64TruncF32S(x float32) uint64 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x < -two63 || x >= two63 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(int64(x))
}

// I32TruncF64S is i32.trunc_f64_s.
func I32TruncF64S(x float64) uint32 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x < -two31 || x > two31-1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(int32(x))
}

// I64TruncF64S is i64.trunc_f64_s.
func I64TruncF64S(x float64) uint64 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x < -two63 || x >= two63 {
		// math.MaxInt64 is rounded up to 2^63 in float64, hence '>='.
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(int64(x))
}

// I32TruncF32U is i32.trunc_f32_u.
func I32TruncF32U(x float32) uint32 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x <= -1 || x >= two32 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(x)
}

// I64TruncF32U is i64.trunc_f32_u.
func I64TruncF32U(x float32) uint64 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x <= -1 || x >= two64 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(x)
}

// I32TruncF64U is i32.trunc_f64_u.
func I32TruncF64U(x float64) uint32 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x <= -1 || x > two32-1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(x)
}

// I64TruncF64U is i64.trunc_f64_u.
func I64TruncF64U(x float64) uint64 {
	if x != x {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	} else if x <= -1 || x >= two64 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(x)
}

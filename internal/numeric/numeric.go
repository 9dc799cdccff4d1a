// Package numeric implements the integer and floating point instructions whose results are not a plain Go operator:
// the trapping division and truncation family, masked rotations, width-aware bit counts and WebAssembly min/max.
//
// Values use the representation translated code keeps in locals: i32 as uint32, i64 as uint64. Traps are raised by
// panicking with an error from package wasmruntime.
package numeric

import (
	"math"
	"math/bits"

	"github.com/unwasm/unwasm/internal/moremath"
	"github.com/unwasm/unwasm/internal/wasmruntime"
)

// I32DivS is i32.div_s.
func I32DivS(x, y uint32) uint32 {
	v1, v2 := int32(x), int32(y)
	if v2 == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	} else if v1 == math.MinInt32 && v2 == -1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(v1 / v2)
}

// I64DivS is i64.div_s.
func I64DivS(x, y uint64) uint64 {
	v1, v2 := int64(x), int64(y)
	if v2 == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	} else if v1 == math.MinInt64 && v2 == -1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(v1 / v2)
}

// I32RemS is i32.rem_s. The remainder of math.MinInt32 by -1 is zero, not a trap.
func I32RemS(x, y uint32) uint32 {
	v1, v2 := int32(x), int32(y)
	if v2 == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	} else if v1 == math.MinInt32 && v2 == -1 {
		return 0
	}
	return uint32(v1 % v2)
}

// I64RemS is i64.rem_s. The remainder of math.MinInt64 by -1 is zero, not a trap.
func I64RemS(x, y uint64) uint64 {
	v1, v2 := int64(x), int64(y)
	if v2 == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	} else if v1 == math.MinInt64 && v2 == -1 {
		return 0
	}
	return uint64(v1 % v2)
}

// I32DivU is i32.div_u.
func I32DivU(x, y uint32) uint32 {
	if y == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	}
	return x / y
}

// I64DivU is i64.div_u.
func I64DivU(x, y uint64) uint64 {
	if y == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	}
	return x / y
}

// I32RemU is i32.rem_u.
func I32RemU(x, y uint32) uint32 {
	if y == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	}
	return x % y
}

// I64RemU is i64.rem_u.
func I64RemU(x, y uint64) uint64 {
	if y == 0 {
		panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
	}
	return x % y
}

// I32Rotl rotates x left by k modulo 32.
func I32Rotl(x, k uint32) uint32 {
	return bits.RotateLeft32(x, int(k&31))
}

// I32Rotr rotates x right by k modulo 32.
func I32Rotr(x, k uint32) uint32 {
	return bits.RotateLeft32(x, -int(k&31))
}

// I64Rotl rotates x left by k modulo 64.
func I64Rotl(x, k uint64) uint64 {
	return bits.RotateLeft64(x, int(k&63))
}

// I64Rotr rotates x right by k modulo 64.
func I64Rotr(x, k uint64) uint64 {
	return bits.RotateLeft64(x, -int(k&63))
}

// I32Clz returns 32 for zero.
func I32Clz(x uint32) uint32 { return uint32(bits.LeadingZeros32(x)) }

// I64Clz returns 64 for zero.
func I64Clz(x uint64) uint64 { return uint64(bits.LeadingZeros64(x)) }

// I32Ctz returns 32 for zero.
func I32Ctz(x uint32) uint32 { return uint32(bits.TrailingZeros32(x)) }

// I64Ctz returns 64 for zero.
func I64Ctz(x uint64) uint64 { return uint64(bits.TrailingZeros64(x)) }

func I32Popcnt(x uint32) uint32 { return uint32(bits.OnesCount32(x)) }

func I64Popcnt(x uint64) uint64 { return uint64(bits.OnesCount64(x)) }

// F32Min is f32.min.
func F32Min(x, y float32) float32 { return moremath.WasmCompatMin32(x, y) }

// F32Max is f32.max.
func F32Max(x, y float32) float32 { return moremath.WasmCompatMax32(x, y) }

// F64Min is f64.min.
func F64Min(x, y float64) float64 { return moremath.WasmCompatMin(x, y) }

// F64Max is f64.max.
func F64Max(x, y float64) float64 { return moremath.WasmCompatMax(x, y) }

// F32Copysign is f32.copysign.
func F32Copysign(x, y float32) float32 {
	return math.Float32frombits(math.Float32bits(x)&^(1<<31) | math.Float32bits(y)&(1<<31))
}

// F64Copysign is f64.copysign.
func F64Copysign(x, y float64) float64 { return math.Copysign(x, y) }

// Reinterpretations between integer and float bit patterns.

func F32ReinterpretI32(x uint32) float32 { return math.Float32frombits(x) }

func I32ReinterpretF32(x float32) uint32 { return math.Float32bits(x) }

func F64ReinterpretI64(x uint64) float64 { return math.Float64frombits(x) }

func I64ReinterpretF64(x float64) uint64 { return math.Float64bits(x) }

// I32WrapI64 is i32.wrap_i64.
func I32WrapI64(x uint64) uint32 { return uint32(x) }

// I64ExtendI32S is i64.extend_i32_s.
func I64ExtendI32S(x uint32) uint64 { return uint64(int64(int32(x))) }

// I64ExtendI32U is i64.extend_i32_u.
func I64ExtendI32U(x uint32) uint64 { return uint64(x) }

// F64ConvertI32S is f64.convert_i32_s.
func F64ConvertI32S(x uint32) float64 { return float64(int32(x)) }

// F64ConvertI32U is f64.convert_i32_u.
func F64ConvertI32U(x uint32) float64 { return float64(x) }

// F64ConvertI64S is f64.convert_i64_s.
func F64ConvertI64S(x uint64) float64 { return float64(int64(x)) }

// F64ConvertI64U is f64.convert_i64_u.
func F64ConvertI64U(x uint64) float64 { return float64(x) }

// F32DemoteF64 is f32.demote_f64.
func F32DemoteF64(x float64) float32 { return float32(x) }

// F64PromoteF32 is f64.promote_f32.
func F64PromoteF32(x float32) float64 { return float64(x) }

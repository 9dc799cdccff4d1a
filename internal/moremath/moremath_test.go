package moremath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWasmCompatMin(t *testing.T) {
	require.Equal(t, -1.1, WasmCompatMin(-1.1, 123))
	require.Equal(t, -1.1, WasmCompatMin(-1.1, math.Inf(1)))
	require.Equal(t, math.Inf(-1), WasmCompatMin(math.Inf(-1), 123))

	// NaN cannot be compared with themselves, so we have to use IsNaN
	require.True(t, math.IsNaN(WasmCompatMin(math.NaN(), 1.0)))
	require.True(t, math.IsNaN(WasmCompatMin(1.0, math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMin(math.Inf(-1), math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMin(math.Inf(1), math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMin(math.NaN(), math.NaN())))

	negZero := math.Copysign(0, -1)
	require.True(t, math.Signbit(WasmCompatMin(0, negZero)))
	require.True(t, math.Signbit(WasmCompatMin(negZero, 0)))
}

func TestWasmCompatMax(t *testing.T) {
	require.Equal(t, 123.1, WasmCompatMax(-1.1, 123.1))
	require.Equal(t, math.Inf(1), WasmCompatMax(-1.1, math.Inf(1)))
	require.Equal(t, 123.1, WasmCompatMax(math.Inf(-1), 123.1))

	require.True(t, math.IsNaN(WasmCompatMax(math.NaN(), 1.0)))
	require.True(t, math.IsNaN(WasmCompatMax(1.0, math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMax(math.Inf(-1), math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMax(math.Inf(1), math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMax(math.NaN(), math.NaN())))

	negZero := math.Copysign(0, -1)
	require.False(t, math.Signbit(WasmCompatMax(0, negZero)))
	require.False(t, math.Signbit(WasmCompatMax(negZero, 0)))
}

func TestWasmCompat32(t *testing.T) {
	require.Equal(t, float32(-2.5), WasmCompatMin32(-2.5, 1))
	require.Equal(t, float32(1), WasmCompatMax32(-2.5, 1))
	require.True(t, math.IsNaN(float64(WasmCompatMin32(float32(math.NaN()), 1))))
	require.True(t, math.IsNaN(float64(WasmCompatMax32(1, float32(math.NaN())))))

	negZero := float32(math.Copysign(0, -1))
	require.True(t, math.Signbit(float64(WasmCompatMin32(0, negZero))))
	require.False(t, math.Signbit(float64(WasmCompatMax32(negZero, 0))))
}

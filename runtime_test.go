package unwasm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental/logging"
	"github.com/unwasm/unwasm/internal/wasmruntime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testCtx = context.Background()

func TestRuntimeConfig(t *testing.T) {
	var buf bytes.Buffer
	logger := zap.NewNop()

	tests := []struct {
		name     string
		with     func(*RuntimeConfig) *RuntimeConfig
		expected *RuntimeConfig
	}{
		{
			name:     "WithMaxCallStackDepth",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithMaxCallStackDepth(10) },
			expected: &RuntimeConfig{maxCallStackDepth: 10, memoryMaxPages: 32768, stdout: io.Discard, stderr: io.Discard},
		},
		{
			name:     "WithMaxCallStackDepth ignores zero",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithMaxCallStackDepth(0) },
			expected: &RuntimeConfig{maxCallStackDepth: 500, memoryMaxPages: 32768, stdout: io.Discard, stderr: io.Discard},
		},
		{
			name:     "WithMemoryMaxPages",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithMemoryMaxPages(1024) },
			expected: &RuntimeConfig{maxCallStackDepth: 500, memoryMaxPages: 1024, stdout: io.Discard, stderr: io.Discard},
		},
		{
			name:     "WithStdout",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithStdout(&buf) },
			expected: &RuntimeConfig{maxCallStackDepth: 500, memoryMaxPages: 32768, stdout: &buf, stderr: io.Discard},
		},
		{
			name:     "WithStderr nil",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithStderr(nil) },
			expected: &RuntimeConfig{maxCallStackDepth: 500, memoryMaxPages: 32768, stdout: io.Discard, stderr: io.Discard},
		},
		{
			name:     "WithLogger",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithLogger(logger) },
			expected: &RuntimeConfig{maxCallStackDepth: 500, memoryMaxPages: 32768, stdout: io.Discard, stderr: io.Discard, logger: logger},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			input := NewRuntimeConfig()
			rc := tc.with(input)
			require.Equal(t, tc.expected, rc)
			// The original is unchanged.
			require.Equal(t, defaultConfig, input)
		})
	}
}

func TestRuntime_Instantiate(t *testing.T) {
	var stdout bytes.Buffer
	r := NewRuntime(NewRuntimeConfig().WithStdout(&stdout))
	defer r.Close(testCtx)

	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)
	require.Equal(t, "hello", mod.Name())

	_, err = mod.ExportedFunction("sayHello").Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, "Hello, World!\n", stdout.String())

	results, err := mod.ExportedFunction("add").Call(testCtx, api.EncodeF64(2), api.EncodeF64(3))
	require.NoError(t, err)
	require.Equal(t, 5.0, api.DecodeF64(results[0]))
}

func TestRuntime_Greet(t *testing.T) {
	var stdout bytes.Buffer
	r := NewRuntime(NewRuntimeConfig().WithStdout(&stdout))
	defer r.Close(testCtx)
	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)

	malloc, free, greet := mod.ExportedFunction("malloc"), mod.ExportedFunction("free"), mod.ExportedFunction("greet")
	results, err := malloc.Call(testCtx, 6)
	require.NoError(t, err)
	name := uint32(results[0])
	require.True(t, mod.Memory().WriteString(name, "Gopher"))
	require.True(t, mod.Memory().WriteByte(name+6, 0))

	results, err = greet.Call(testCtx, uint64(name))
	require.NoError(t, err)
	greeting := uint32(results[0])
	b, ok := mod.Memory().Read(greeting, 15)
	require.True(t, ok)
	require.Equal(t, "Hello, Gopher!\x00", string(b))

	_, err = mod.ExportedFunction("fflush").Call(testCtx, 0)
	require.NoError(t, err)
	require.Equal(t, "_name: Gopher\n", stdout.String())

	inUse := mod.HeapStats().InUse
	_, err = free.Call(testCtx, uint64(greeting))
	require.NoError(t, err)
	require.True(t, mod.HeapStats().InUse < inUse)

	results, err = malloc.Call(testCtx, 256)
	require.NoError(t, err)
	require.Equal(t, greeting, uint32(results[0]))
}

func TestRuntime_Instances(t *testing.T) {
	r := NewRuntime(nil)
	defer r.Close(testCtx)

	a, err := r.Instantiate(testCtx)
	require.NoError(t, err)
	b, err := r.Instantiate(testCtx)
	require.NoError(t, err)

	// Each instance has its own memory.
	require.True(t, a.Memory().WriteString(8192, "a"))
	v, _ := b.Memory().ReadByte(8192)
	require.Zero(t, v)
}

func TestRuntime_Trap(t *testing.T) {
	r := NewRuntime(NewRuntimeConfig().WithMaxCallStackDepth(2))
	defer r.Close(testCtx)
	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)

	_, err = mod.ExportedFunction("sayHello").Call(testCtx)
	require.True(t, errors.Is(err, wasmruntime.ErrRuntimeCallStackOverflow))

	_, err = mod.ExportedFunction("dynCall_ii").Call(testCtx, 9, 0)
	require.True(t, errors.Is(err, wasmruntime.ErrRuntimeInvalidTableAccess))
}

func TestRuntime_DynCallJIJI(t *testing.T) {
	r := NewRuntime(nil)
	defer r.Close(testCtx)
	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)

	// Slot 3 is the stdout seek function, which reports position 0.
	results, err := mod.ExportedFunction("dynCall_jiji").Call(testCtx, 3, 1608, 0, 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), results[0])
	require.Zero(t, mod.TempRet0())
}

func TestRuntime_MemoryMaxPages(t *testing.T) {
	r := NewRuntime(NewRuntimeConfig().WithMemoryMaxPages(256))
	defer r.Close(testCtx)
	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)

	results, err := mod.ExportedFunction("malloc").Call(testCtx, 32<<20)
	require.NoError(t, err)
	require.Zero(t, results[0])
	require.Equal(t, uint32(48), mod.Errno())

	r2 := NewRuntime(NewRuntimeConfig().WithMemoryMaxPages(10))
	_, err = r2.Instantiate(testCtx)
	require.EqualError(t, err, `module "hello": invalid memory limits: min=256 max=10`)
	require.NoError(t, r2.Close(testCtx))
}

func TestRuntime_Close(t *testing.T) {
	r := NewRuntime(nil)
	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)

	require.NoError(t, r.Close(testCtx))
	require.NoError(t, r.Close(testCtx))

	_, err = mod.ExportedFunction("sayHello").Call(testCtx)
	require.EqualError(t, err, `module "hello" closed`)

	_, err = r.Instantiate(testCtx)
	require.Equal(t, ErrRuntimeClosed, err)
}

func TestRuntime_Logging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	r := NewRuntime(NewRuntimeConfig().
		WithLogger(logger).
		WithFunctionListenerFactory(logging.NewLoggingListenerFactory(logger)))
	defer r.Close(testCtx)

	mod, err := r.Instantiate(testCtx)
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("memory initialized").Len())
	require.Equal(t, 1, logs.FilterMessage("module initialized").Len())
	require.Equal(t, 1, logs.FilterMessage("--> hello.__wasm_call_ctors()").Len())
	require.Equal(t, 1, logs.FilterMessage("module instantiated").Len())

	_, err = mod.ExportedFunction("dynCall_ii").Call(testCtx, 0, 0)
	require.Error(t, err)
	require.Equal(t, 1, logs.FilterMessage("call trapped").Len())
}

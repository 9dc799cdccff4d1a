package hello

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental"
	"github.com/unwasm/unwasm/internal/wasm"
	"github.com/unwasm/unwasm/internal/wasmruntime"
)

func TestModule_Init(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.m

	require.Equal(t, wasm.ModuleStateInitialized, m.State())
	require.Equal(t, []string{
		"__wasm_call_ctors", "sayHello", "add", "greet", "malloc", "__errno_location", "fflush", "setThrew", "free",
		"stackSave", "stackAlloc", "stackRestore", "__growWasmMemory",
		"dynCall_ii", "dynCall_iiii", "dynCall_jiji", "dynCall_iidiiii", "dynCall_vii",
	}, m.ExportedFunctionNames())

	require.Equal(t, uint64(DefaultMemoryMinPages)*65536, uint64(m.Memory().Size()))
	require.Equal(t, uint64(dataEnd), m.ExportedGlobal("__data_end").Get())
	require.Equal(t, uint32(stackTop), m.g0.GetI32())
	require.Equal(t, uint32(stackTop), m.Break())

	require.Equal(t, "Hello, World!\n", m.mem.ReadCString(addrHelloWorld))
	require.Equal(t, "_name: %s\n", m.mem.ReadCString(addrNameFormat))
	require.Equal(t, uint32(addrStdout), m.Stdout())
	require.Equal(t, uint32(1), m.field(m.Stdout(), fileFd))
	require.Zero(t, m.Errno())

	require.Equal(t, uint32(tableSize), m.Table.Size())
	require.Nil(t, m.Table.Elements[0])
	for i, name := range []string{"__stdio_close", "__stdio_write", "__stdio_seek", "fmt_fp", "pop_arg_long_double"} {
		require.Equal(t, name, m.Table.Elements[i+1].DebugName)
	}

	_, err := m.Export("memory", api.ExternTypeMemory)
	require.NoError(t, err)
	_, err = m.Export("table", api.ExternTypeTable)
	require.NoError(t, err)
}

func TestModule_Init_Twice(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.m.Init()
	require.True(t, errors.Is(err, wasm.ErrAlreadyInitialized))
	// The first initialization is intact.
	require.Equal(t, uint64(0), h.call("__wasm_call_ctors"))
}

func TestModule_Init_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		expectedErr string
	}{
		{
			name:        "stack does not fit",
			opts:        Options{MemoryMinPages: 1, MemoryMaxPages: 10},
			expectedErr: `module "hello": memory of 1 pages cannot hold the stack, which ends at 5246496`,
		},
		{
			name:        "min over max",
			opts:        Options{MemoryMinPages: 300, MemoryMaxPages: 200},
			expectedErr: `module "hello": invalid memory limits: min=300 max=200`,
		},
		{
			name:        "max over limit",
			opts:        Options{MemoryMaxPages: wasm.MemoryLimitPages + 1},
			expectedErr: `module "hello": invalid memory limits: min=256 max=65537`,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := New(&testHost{}, tc.opts)
			require.EqualError(t, m.Init(), tc.expectedErr)
			require.Equal(t, wasm.ModuleStateUninitialized, m.State())
			require.Nil(t, m.ExportedFunction("add"))
		})
	}
}

func TestModule_Add(t *testing.T) {
	h := newHarness(t, Options{})
	tests := []struct{ a, b, expected float64 }{
		{a: 2, b: 3, expected: 5},
		{a: 0.1, b: 0.2, expected: 0.30000000000000004},
		{a: -1.5, b: 1.5, expected: 0},
		{a: math.Inf(1), b: 1, expected: math.Inf(1)},
	}
	for _, tc := range tests {
		r := h.call("add", api.EncodeF64(tc.a), api.EncodeF64(tc.b))
		require.Equal(t, tc.expected, api.DecodeF64(r))
	}
	// The operands are spilled below the stack pointer without moving it.
	require.Equal(t, uint32(stackTop), h.m.g0.GetI32())

	r := h.call("add", api.EncodeF64(math.NaN()), api.EncodeF64(1))
	require.True(t, math.IsNaN(api.DecodeF64(r)))
}

func TestModule_SayHello(t *testing.T) {
	h := newHarness(t, Options{})
	h.call("sayHello")
	// stdout is line buffered, so the newline flushes it.
	require.Equal(t, "Hello, World!\n", h.host.stdout.String())

	h.call("sayHello")
	require.Equal(t, "Hello, World!\nHello, World!\n", h.host.stdout.String())
	require.Equal(t, uint32(stackTop), h.m.g0.GetI32())
}

func TestModule_Greet(t *testing.T) {
	h := newHarness(t, Options{})
	name := h.cstring("Ada")

	p := uint32(h.call("greet", uint64(name)))
	require.NotZero(t, p)
	require.Equal(t, "_name: Ada\n", h.host.stdout.String())
	require.Equal(t, "Hello, Ada!", h.m.mem.ReadCString(uint64(p)))
	require.Equal(t, uint32(stackTop), h.m.g0.GetI32())

	// The greeting is a malloc'd block the caller frees.
	h.call("free", uint64(p))
	require.Equal(t, uint64(p), h.call("malloc", 256))
}

func TestModule_Greet_Trap(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.callErr("greet", 0xffffffff)
	require.True(t, errors.Is(err, wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess))
	require.Contains(t, err.Error(), `wasm backtrace:
	0: printf_core
	1: __vfprintf_internal
	2: vfprintf
	3: printf
	4: greet`)

	// The stack pointer is restored and the module stays usable.
	require.Equal(t, uint32(stackTop), h.m.g0.GetI32())
	require.Zero(t, h.m.Depth())
	h.call("fflush", 0)
	h.host.stdout.Reset()
	h.call("sayHello")
	require.Equal(t, "Hello, World!\n", h.host.stdout.String())
}

func TestModule_Call_StackOverflow(t *testing.T) {
	h := newHarness(t, Options{MaxCallStackDepth: 3})

	err := h.callErr("greet", uint64(h.cstring("x")))
	require.True(t, errors.Is(err, wasmruntime.ErrRuntimeCallStackOverflow))
	require.Contains(t, err.Error(), "\t0: __vfprintf_internal\n")
	require.Equal(t, uint32(stackTop), h.m.g0.GetI32())

	// Shallow calls still work.
	require.Equal(t, uint64(addrErrno), h.call("__errno_location"))
}

func TestModule_Malloc(t *testing.T) {
	h := newHarness(t, Options{})

	a := uint32(h.call("malloc", 100))
	b := uint32(h.call("malloc", 100))
	require.NotZero(t, a)
	require.NotZero(t, b)
	require.Zero(t, a%8)
	require.True(t, a >= stackTop)
	require.True(t, b >= a+100)

	h.call("free", uint64(a))
	h.call("free", 0)
	require.Equal(t, uint64(a), h.call("malloc", 100))
	require.NoError(t, h.m.Heap().Check())
}

func TestModule_Malloc_GrowsMemory(t *testing.T) {
	h := newHarness(t, Options{})
	before := h.m.Memory().Size()

	p := uint32(h.call("malloc", 32<<20))
	require.NotZero(t, p)
	require.True(t, h.m.Memory().Size() > before)
	require.True(t, h.m.Break() <= h.m.Memory().Size())
	require.True(t, uint64(p)+32<<20 <= uint64(h.m.Break()))
}

func TestModule_Malloc_OutOfMemory(t *testing.T) {
	t.Run("resize refused", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.host.resizeFails = true

		require.Zero(t, h.call("malloc", 32<<20))
		require.Equal(t, uint32(errnoNOMEM), h.m.Errno())
		// Small requests are still served from the memory already owned.
		require.NotZero(t, h.call("malloc", 16))
	})
	t.Run("request too large", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.Zero(t, h.call("malloc", 0xfffffff0))
		require.Equal(t, uint32(errnoNOMEM), h.m.Errno())
	})
	t.Run("max pages reached", func(t *testing.T) {
		h := newHarness(t, Options{MemoryMaxPages: DefaultMemoryMinPages})
		require.Zero(t, h.call("malloc", 32<<20))
		require.Equal(t, uint32(errnoNOMEM), h.m.Errno())
	})
}

func TestModule_Sbrk(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.m
	start := m.Break()

	require.Equal(t, start, m.sbrk(0))
	require.Equal(t, start, m.sbrk(4096))
	require.Equal(t, start+4096, m.Break())

	// A negative increment moves the break down.
	prev, ok := m.sbrkInt(-4096)
	require.True(t, ok)
	require.Equal(t, start+4096, prev)
	require.Equal(t, start, m.Break())

	h.host.resizeFails = true
	require.Equal(t, uint32(0xffffffff), m.sbrk(m.mem.Size()))
	require.Equal(t, uint32(errnoNOMEM), m.Errno())
	require.Equal(t, start, m.Break())
}

func TestModule_Stack(t *testing.T) {
	h := newHarness(t, Options{})

	require.Equal(t, uint64(stackTop), h.call("stackSave"))
	p := h.call("stackAlloc", 10)
	require.Equal(t, uint64((stackTop-10)&^15), p)
	require.Equal(t, p, h.call("stackSave"))
	h.call("stackRestore", stackTop)
	require.Equal(t, uint64(stackTop), h.call("stackSave"))
}

func TestModule_SetThrew(t *testing.T) {
	h := newHarness(t, Options{})

	h.call("setThrew", 1, 42)
	h.call("setThrew", 2, 43)
	require.Equal(t, uint32(1), h.m.mem.I32Load(addrThrew))
	require.Equal(t, uint32(42), h.m.mem.I32Load(addrThrewValue))
}

func TestModule_ErrnoLocation(t *testing.T) {
	h := newHarness(t, Options{})
	require.Equal(t, uint64(addrErrno), h.call("__errno_location"))
}

func TestModule_GrowWasmMemory(t *testing.T) {
	logger, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, Options{MemoryMaxPages: 300, Logger: zap.New(logger)})

	require.Equal(t, uint64(256), h.call("__growWasmMemory", 1))
	require.Equal(t, uint32(257), h.m.mem.Pages())
	require.Equal(t, uint64(257), h.call("__growWasmMemory", 0))

	require.Equal(t, uint64(0xffffffff), h.call("__growWasmMemory", 44))
	require.Equal(t, uint32(257), h.m.mem.Pages())

	require.Equal(t, 2, logs.FilterMessage("memory grown").Len())
	require.Equal(t, 1, logs.FilterMessage("memory growth failed").Len())
}

func TestModule_DynCall(t *testing.T) {
	h := newHarness(t, Options{})
	stdout := uint64(h.m.Stdout())

	t.Run("dynCall_ii", func(t *testing.T) {
		require.Zero(t, h.call("dynCall_ii", slotClose, stdout))
	})
	t.Run("dynCall_iiii", func(t *testing.T) {
		s := h.cstring("direct\n")
		require.Equal(t, uint64(7), h.call("dynCall_iiii", slotWrite, stdout, uint64(s), 7))
		require.Equal(t, "direct\n", h.host.stdout.String())
		h.host.stdout.Reset()
	})
	t.Run("dynCall_jiji", func(t *testing.T) {
		h.host.tempRet0 = 7
		require.Zero(t, h.call("dynCall_jiji", slotSeek, stdout, 10, 1, 0))
		require.Zero(t, h.host.tempRet0)
	})
	t.Run("dynCall_iidiiii", func(t *testing.T) {
		n := h.call("dynCall_iidiiii", slotFmtFp, stdout, api.EncodeF64(1.5), 10, 0xffffffff, 0, 'f')
		require.Equal(t, uint64(10), n)
		h.call("fflush", stdout)
		require.Equal(t, "  1.500000", h.host.stdout.String())
		h.host.stdout.Reset()
	})
	t.Run("dynCall_vii", func(t *testing.T) {
		cell := h.m.malloc(8)
		ap := h.m.malloc(4)
		args := h.varargs(longDouble(-2.75))
		h.m.mem.I32Store(uint64(ap), args)

		h.call("dynCall_vii", slotPopArg, uint64(cell), uint64(ap))
		require.Equal(t, -2.75, h.m.mem.F64Load(uint64(cell)))
		require.Equal(t, args+16, h.m.mem.I32Load(uint64(ap)))
	})

	tests := []struct {
		name        string
		index       uint64
		expectedErr error
	}{
		{name: "null slot", index: 0, expectedErr: wasmruntime.ErrRuntimeInvalidTableAccess},
		{name: "out of range", index: tableSize, expectedErr: wasmruntime.ErrRuntimeInvalidTableAccess},
		{name: "huge index", index: 0xffffffff, expectedErr: wasmruntime.ErrRuntimeInvalidTableAccess},
		{name: "signature mismatch", index: slotWrite, expectedErr: wasmruntime.ErrRuntimeIndirectCallTypeMismatch},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := h.callErr("dynCall_ii", tc.index, 0)
			require.True(t, errors.Is(err, tc.expectedErr), err)
			require.Contains(t, err.Error(), "\t0: dynCall_ii")
		})
	}
}

func TestModule_SharedTypeRegistry(t *testing.T) {
	types := wasm.NewTypeRegistry()
	a := newHarness(t, Options{Types: types})
	b := newHarness(t, Options{Types: types})
	require.Equal(t, a.m.TypeIDs, b.m.TypeIDs)

	// A function of one instance placed in the table of another keeps its signature.
	b.m.Table.Elements[slotClose] = a.m.Table.Elements[slotClose]
	require.Zero(t, b.call("dynCall_ii", slotClose, uint64(b.m.Stdout())))
}

// countingListenerFactory counts the invocations of each function.
type countingListenerFactory map[string]int

func (f countingListenerFactory) NewListener(fn api.Function) experimental.FunctionListener {
	return countingListener{calls: f, name: fn.Name()}
}

type countingListener struct {
	calls countingListenerFactory
	name  string
}

func (l countingListener) Before(ctx context.Context, _ api.Module, _ api.Function, _ []uint64) context.Context {
	l.calls[l.name]++
	return ctx
}

func (l countingListener) After(context.Context, api.Module, api.Function, []uint64) {}

func TestModule_ListenerFactory(t *testing.T) {
	calls := countingListenerFactory{}
	h := newHarness(t, Options{ListenerFactory: calls})

	h.call("sayHello")
	h.call("sayHello")
	require.Equal(t, 2, calls["sayHello"])
	require.Equal(t, 2, calls["__stdio_write"])
	require.Zero(t, calls["greet"])
}

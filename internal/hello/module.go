// Package hello is the translated "hello" module: a C program built with emscripten, whose functions are expressed as
// Go methods over a wasm.ModuleInstance. It exports add, greet and sayHello, together with the parts of its libc that a
// host needs (malloc, free, fflush, the stack helpers and the dynCall trampolines).
package hello

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental"
	"github.com/unwasm/unwasm/internal/dlmalloc"
	"github.com/unwasm/unwasm/internal/wasm"
)

// ModuleName is the name of the module, used in errors and logs.
const ModuleName = "hello"

const (
	// DefaultMemoryMinPages is the initial size of memory: 16MiB.
	DefaultMemoryMinPages = 256
	// DefaultMemoryMaxPages is the limit of memory growth: 2GiB.
	DefaultMemoryMaxPages = 32768

	// stackTop is the initial stack pointer. The stack grows down to dataEnd and the heap starts here.
	stackTop = 5246496
	// dataEnd is the first address after the static data, and holds the sbrk break.
	dataEnd = 3616
	// tableSize is the size of the function table. Slot 0 stays empty.
	tableSize = 6
)

// Addresses of the static data.
const (
	addrRodata     = 1024
	addrHelloWorld = 1024 // "Hello, World!\n"
	addrNameFormat = 1039 // "_name: %s\n"
	addrHello      = 1050 // "Hello, "
	addrBang       = 1058 // "!"
	addrStdoutPtr  = 1060 // stdout
	addrIntPrefix  = 1064 // "-+   0X0x"
	addrNull       = 1074 // "(null)"
	addrXdigits    = 1552 // "0123456789ABCDEF"
	addrFpPrefix   = 1568 // "-0X+0X 0X-0x+0x 0x"
	addrInf        = 1587 // "inf", then "INF", "nan" and "NAN"
	addrStdout     = 1608 // the stdout FILE
	addrStdoutUsed = 1752 // __stdout_used
	addrSelf       = 1756 // the thread descriptor
	addrBss        = 2000
	addrErrno      = 3032
	addrOflLock    = 3100
	addrOflHead    = 3108
	addrMallocStat = 3112
	addrMallocPar  = 3584
	addrThrew      = 3608
	addrThrewValue = 3612
	addrSbrk       = dataEnd
)

// funcTypes are the signatures of the module in type index order. Params and results are separated by '_', with i for
// i32, j for i64 and d for f64.
var funcTypes = [...]string{
	"iii_i", "idiiii_i", "ii_", "iji_j", "iiii_i", "i_", "_i", "i_i", "_", "dd_d",
	"ii_i", "di_d", "iiiii_i", "iiiiiii_i", "iii_", "iiii_", "iiiii_", "ji_i", "jii_i", "d_j",
	"ijji_", "jj_d", "i_i", "iii_i", "iji_j", "idiiii_i", "ii_", "i_", "_i", "ii_i",
	"iiii_i", "iiji_j", "iidiiii_i", "iii_", "iiiii_i",
}

// Type indexes used by the table, the indirect calls and the exports.
const (
	typeWrite      = 0
	typeFmtFp      = 1
	typePopArg     = 2
	typeSeek       = 3
	typeIIII_I     = 4
	typeI_         = 5
	type_I         = 6
	typeI_I        = 7
	type_          = 8
	typeDD_D       = 9
	typeII_I       = 10
	typeIIIII_I    = 12
	typeIII_       = 14
	typeDynII      = 22
	typeDynIIII    = 23
	typeDynJIJI    = 24
	typeDynIIDIIII = 25
	typeDynVII     = 26
	typeIIDIIII_I  = 32
)

// Table slots of the element segment.
const (
	slotClose  = 1
	slotWrite  = 2
	slotSeek   = 3
	slotFmtFp  = 4
	slotPopArg = 5
)

// parseFuncType decodes an entry of funcTypes.
func parseFuncType(s string) (*wasm.FunctionType, error) {
	var params, results []api.ValueType
	cur := &params
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'i':
			*cur = append(*cur, api.ValueTypeI32)
		case 'j':
			*cur = append(*cur, api.ValueTypeI64)
		case 'd':
			*cur = append(*cur, api.ValueTypeF64)
		case '_':
			cur = &results
		default:
			return nil, fmt.Errorf("invalid signature %q", s)
		}
	}
	return wasm.NewFunctionType(params, results), nil
}

// Imports are the host functions the module calls. mod is the calling module, whose memory the host reads and writes.
type Imports interface {
	// FdWrite is wasi_unstable.fd_write: it writes iovsLen iovecs at iovs to fd, stores the count of bytes written at
	// resultNwritten and returns a WASI errno.
	FdWrite(ctx context.Context, mod api.Module, fd, iovs, iovsLen, resultNwritten uint32) uint32

	// Lock is env.__lock.
	Lock(ctx context.Context, token uint32)

	// Unlock is env.__unlock.
	Unlock(ctx context.Context, token uint32)

	// ResizeHeap is env.emscripten_resize_heap: it grows memory to at least requestedSize bytes and returns 1, or
	// returns 0 if it cannot.
	ResizeHeap(ctx context.Context, mod api.Module, requestedSize uint32) uint32

	// MemcpyBig is env.emscripten_memcpy_big: it copies n bytes from src to dst and returns dst.
	MemcpyBig(ctx context.Context, mod api.Module, dst, src, n uint32) uint32

	// SetTempRet0 is env.setTempRet0, which receives the high word of an i64 result.
	SetTempRet0(ctx context.Context, v uint32)
}

// Options configure New. The zero value uses the defaults.
type Options struct {
	// MemoryMinPages is the initial size of memory. Defaults to DefaultMemoryMinPages.
	MemoryMinPages uint32
	// MemoryMaxPages is the limit of memory growth. Defaults to DefaultMemoryMaxPages.
	MemoryMaxPages uint32
	// MaxCallStackDepth defaults to wasm.DefaultMaxCallStackDepth.
	MaxCallStackDepth int
	// Types is the registry function types are registered in. Defaults to a new registry.
	Types *wasm.TypeRegistry
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// ListenerFactory, if set, observes the exports and the table functions.
	ListenerFactory experimental.FunctionListenerFactory
}

// Module is an instance of the hello module. Like the ModuleInstance it embeds, it is not safe for concurrent use.
type Module struct {
	*wasm.ModuleInstance

	imports Imports
	opts    Options

	mem  *wasm.MemoryInstance
	g0   *wasm.GlobalInstance
	heap *dlmalloc.Allocator
}

// New returns an uninitialized module calling imports. Call Init before calling any export.
func New(imports Imports, opts Options) *Module {
	if opts.MemoryMinPages == 0 {
		opts.MemoryMinPages = DefaultMemoryMinPages
	}
	if opts.MemoryMaxPages == 0 {
		opts.MemoryMaxPages = DefaultMemoryMaxPages
	}
	if opts.Types == nil {
		opts.Types = wasm.NewTypeRegistry()
	}
	m := &Module{ModuleInstance: wasm.NewModuleInstance(ModuleName, opts.Types), imports: imports, opts: opts}
	if opts.MaxCallStackDepth > 0 {
		m.MaxCallStackDepth = opts.MaxCallStackDepth
	}
	if opts.Logger != nil {
		m.Logger = opts.Logger
	}
	m.ListenerFactory = opts.ListenerFactory
	return m
}

// Init runs the initialization sequence: function types, globals, memory and its data segments, the table and its
// element segment, then the exports. It succeeds once: a second call returns wasm.ErrAlreadyInitialized. When it
// fails, the module cannot be used.
func (m *Module) Init() error {
	return m.Initialize(m.init)
}

func (m *Module) init() error {
	types := make([]*wasm.FunctionType, len(funcTypes))
	for i, s := range funcTypes {
		ft, err := parseFuncType(s)
		if err != nil {
			return err
		}
		types[i] = ft
	}
	if err := m.RegisterTypes(types...); err != nil {
		return err
	}

	m.g0 = &wasm.GlobalInstance{Type: api.ValueTypeI32, Mutable: true, Val: stackTop}
	dataEndGlobal := &wasm.GlobalInstance{Type: api.ValueTypeI32, Val: dataEnd}
	m.Globals = []*wasm.GlobalInstance{m.g0, dataEndGlobal}
	m.StackPointer = m.g0

	min, max := m.opts.MemoryMinPages, m.opts.MemoryMaxPages
	if min > max || max > wasm.MemoryLimitPages {
		return fmt.Errorf("invalid memory limits: min=%d max=%d", min, max)
	}
	if wasm.MemoryPagesToBytesNum(min) < stackTop {
		return fmt.Errorf("memory of %d pages cannot hold the stack, which ends at %d", min, stackTop)
	}
	m.mem = wasm.NewMemoryInstance(min, max)
	m.MemoryInstance = m.mem
	for _, seg := range segments {
		if !m.mem.Write(seg.offset, seg.data) {
			return fmt.Errorf("data segment at %d of %d bytes out of range", seg.offset, len(seg.data))
		}
	}
	// The host owns the break: it starts where the stack ends.
	m.mem.WriteUint32Le(addrSbrk, stackTop)

	m.heap = dlmalloc.New(m.mem, dlmalloc.Config{
		StateAddr:  addrMallocStat,
		ParamsAddr: addrMallocPar,
		Sbrk:       m.sbrkInt,
		Seed:       m.g0.GetI32,
	})

	m.Table = wasm.NewTableInstance(tableSize, tableSize)
	if err := m.Table.Init(slotClose,
		m.NewFunction("__stdio_close", typeI_I, func(ctx context.Context, stack []uint64) {
			stack[0] = uint64(m.stdioClose(uint32(stack[0])))
		}),
		m.NewFunction("__stdio_write", typeWrite, func(ctx context.Context, stack []uint64) {
			stack[0] = uint64(m.stdioWrite(uint32(stack[0]), uint32(stack[1]), uint32(stack[2])))
		}),
		m.NewFunction("__stdio_seek", typeSeek, func(ctx context.Context, stack []uint64) {
			stack[0] = m.stdioSeek(uint32(stack[0]), stack[1], uint32(stack[2]))
		}),
		m.NewFunction("fmt_fp", typeFmtFp, func(ctx context.Context, stack []uint64) {
			stack[0] = uint64(m.fmtFp(uint32(stack[0]), api.DecodeF64(stack[1]),
				int32(stack[2]), int32(stack[3]), uint32(stack[4]), uint32(stack[5])))
		}),
		m.NewFunction("pop_arg_long_double", typePopArg, func(ctx context.Context, stack []uint64) {
			m.popArgLongDouble(uint32(stack[0]), uint32(stack[1]))
		}),
	); err != nil {
		return err
	}

	m.exportFunctions()
	m.ExportGlobal("__data_end", dataEndGlobal)
	m.ExportMemory("memory")
	m.ExportTable("table")

	m.Logger.Debug("memory initialized", zap.String("module", ModuleName),
		zap.Uint32("pages", min), zap.Uint32("max_pages", max))
	return nil
}

// exportFunctions binds the exported functions in their export order.
func (m *Module) exportFunctions() {
	u32 := func(v uint64) uint32 { return uint32(v) }
	for _, f := range []*wasm.FunctionInstance{
		m.NewFunction("__wasm_call_ctors", type_, func(context.Context, []uint64) { m.wasmCallCtors() }),
		m.NewFunction("sayHello", type_, func(context.Context, []uint64) { m.sayHello() }),
		m.NewFunction("add", typeDD_D, func(_ context.Context, stack []uint64) {
			stack[0] = api.EncodeF64(m.add(api.DecodeF64(stack[0]), api.DecodeF64(stack[1])))
		}),
		m.NewFunction("greet", typeI_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.greet(u32(stack[0])))
		}),
		m.NewFunction("malloc", typeI_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.malloc(u32(stack[0])))
		}),
		m.NewFunction("__errno_location", type_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.errnoLocation())
		}),
		m.NewFunction("fflush", typeI_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.fflush(u32(stack[0])))
		}),
		m.NewFunction("setThrew", typePopArg, func(_ context.Context, stack []uint64) {
			m.setThrew(u32(stack[0]), u32(stack[1]))
		}),
		m.NewFunction("free", typeI_, func(_ context.Context, stack []uint64) { m.free(u32(stack[0])) }),
		m.NewFunction("stackSave", type_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.stackSave())
		}),
		m.NewFunction("stackAlloc", typeI_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.stackAlloc(u32(stack[0])))
		}),
		m.NewFunction("stackRestore", typeI_, func(_ context.Context, stack []uint64) { m.stackRestore(u32(stack[0])) }),
		m.NewFunction("__growWasmMemory", typeI_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.growWasmMemory(u32(stack[0])))
		}),
		m.NewFunction("dynCall_ii", typeII_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.dynCallII(u32(stack[0]), u32(stack[1])))
		}),
		m.NewFunction("dynCall_iiii", typeIIII_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.dynCallIIII(u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3])))
		}),
		m.NewFunction("dynCall_jiji", typeIIIII_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.dynCallJIJI(u32(stack[0]), u32(stack[1]), u32(stack[2]), u32(stack[3]), u32(stack[4])))
		}),
		m.NewFunction("dynCall_iidiiii", typeIIDIIII_I, func(_ context.Context, stack []uint64) {
			stack[0] = uint64(m.dynCallIIDIIII(u32(stack[0]), u32(stack[1]), api.DecodeF64(stack[2]),
				u32(stack[3]), u32(stack[4]), u32(stack[5]), u32(stack[6])))
		}),
		m.NewFunction("dynCall_vii", typeIII_, func(_ context.Context, stack []uint64) {
			m.dynCallVII(u32(stack[0]), u32(stack[1]), u32(stack[2]))
		}),
	} {
		m.ExportFunction(f)
	}
}

// Heap returns the allocator behind malloc and free.
func (m *Module) Heap() *dlmalloc.Allocator {
	return m.heap
}

// push reserves size bytes on the stack and returns their address. Every push is paired with a deferred pop.
func (m *Module) push(size uint32) uint32 {
	sp := m.g0.GetI32() - size
	m.g0.SetI32(sp)
	return sp
}

// pop releases size bytes reserved by push.
func (m *Module) pop(size uint32) {
	m.g0.SetI32(m.g0.GetI32() + size)
}

// callIndirect calls the table slot index, which must have the signature of the type at typeIndex.
func (m *Module) callIndirect(typeIndex, index uint32, params ...uint64) []uint64 {
	return m.Table.CallIndirect(m.Context(), m.TypeIDs[typeIndex], index, params...)
}

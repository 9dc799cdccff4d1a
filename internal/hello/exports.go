package hello

import (
	"go.uber.org/zap"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/internal/wasm"
)

func (m *Module) wasmCallCtors() {
	defer m.Enter("__wasm_call_ctors")()
}

// sayHello prints "Hello, World!".
func (m *Module) sayHello() {
	defer m.Enter("sayHello")()
	m.printf(addrHelloWorld, 0)
}

// add returns a+b, spilling both operands to the red zone below the stack pointer the way the unoptimized build does.
func (m *Module) add(a, b float64) float64 {
	defer m.Enter("add")()
	fp := uint64(m.g0.GetI32() - 16)
	m.mem.F64Store(fp+8, a)
	m.mem.F64Store(fp, b)
	return m.mem.F64Load(fp+8) + m.mem.F64Load(fp)
}

// greet prints the name at name, and returns a malloc'd string "Hello, <name>!" that the caller frees.
//
// The name is copied to a 256 byte buffer in the frame first, so a longer name overruns the frame as it does in C.
func (m *Module) greet(name uint32) uint32 {
	defer m.Enter("greet")()
	fp := m.push(288)
	defer m.pop(288)

	m.mem.I32Store(uint64(fp+284), name)
	m.mem.I32Store(uint64(fp), name)
	m.printf(addrNameFormat, fp)

	buf := fp + 16
	m.mem.I32Store(uint64(fp+280), m.malloc(256))
	m.strcpy(m.mem.I32Load(uint64(fp+280)), addrHello)
	m.strcpy(buf, m.mem.I32Load(uint64(fp+284)))
	m.strcat(m.mem.I32Load(uint64(fp+280)), buf)
	m.strcat(m.mem.I32Load(uint64(fp+280)), addrBang)
	return m.mem.I32Load(uint64(fp + 280))
}

// malloc returns a block of at least n bytes, or zero with errno set to ENOMEM.
func (m *Module) malloc(n uint32) uint32 {
	defer m.Enter("malloc")()
	// The allocator seeds its magic from the address of this frame on first use.
	m.push(16)
	defer m.pop(16)
	p, err := m.heap.Malloc(n)
	if err != nil {
		m.setErrno(errnoNOMEM)
		m.Logger.Debug("malloc failed", zap.String("module", ModuleName), zap.Uint32("size", n), zap.Error(err))
		return 0
	}
	return p
}

// free releases a block returned by malloc. Zero is ignored.
func (m *Module) free(p uint32) {
	defer m.Enter("free")()
	m.heap.Free(p)
}

func (m *Module) errnoLocation() uint32 {
	defer m.Enter("__errno_location")()
	return addrErrno
}

// setThrew records the first longjmp of an exception handling sequence.
func (m *Module) setThrew(threw, value uint32) {
	defer m.Enter("setThrew")()
	if m.mem.I32Load(addrThrew) == 0 {
		m.mem.I32Store(addrThrewValue, value)
		m.mem.I32Store(addrThrew, threw)
	}
}

func (m *Module) stackSave() uint32 {
	defer m.Enter("stackSave")()
	return m.g0.GetI32()
}

// stackAlloc reserves n bytes on the stack, 16-byte aligned, and returns their address.
func (m *Module) stackAlloc(n uint32) uint32 {
	defer m.Enter("stackAlloc")()
	sp := (m.g0.GetI32() - n) &^ 15
	m.g0.SetI32(sp)
	return sp
}

func (m *Module) stackRestore(sp uint32) {
	defer m.Enter("stackRestore")()
	m.g0.SetI32(sp)
}

// growWasmMemory is memory.grow: it returns the previous page count, or 0xffffffff when memory cannot grow by delta
// pages.
func (m *Module) growWasmMemory(delta uint32) uint32 {
	defer m.Enter("__growWasmMemory")()
	prev, ok := m.mem.Grow(delta)
	if !ok {
		m.Logger.Warn("memory growth failed", zap.String("module", ModuleName),
			zap.Uint32("pages", m.mem.Pages()), zap.Uint32("delta", delta))
		return 0xffffffff
	}
	m.Logger.Debug("memory grown", zap.String("module", ModuleName),
		zap.Uint32("from", prev), zap.Uint32("to", m.mem.Pages()),
		zap.String("size", wasm.PagesToUnitOfBytes(m.mem.Pages())))
	return prev
}

func (m *Module) dynCallII(index, a uint32) uint32 {
	defer m.Enter("dynCall_ii")()
	return uint32(m.callIndirect(typeDynII, index, uint64(a))[0])
}

func (m *Module) dynCallIIII(index, a, b, c uint32) uint32 {
	defer m.Enter("dynCall_iiii")()
	return uint32(m.callIndirect(typeDynIIII, index, uint64(a), uint64(b), uint64(c))[0])
}

// dynCallJIJI calls a (i32, i64, i32) -> i64 function with the i64 parameter split into two words. It returns the low
// word of the result and passes the high word to setTempRet0.
func (m *Module) dynCallJIJI(index, a, lo, hi, c uint32) uint32 {
	defer m.Enter("dynCall_jiji")()
	r := m.dynCallJIJIWide(index, a, uint64(lo)|uint64(hi)<<32, c)
	m.imports.SetTempRet0(m.Context(), uint32(r>>32))
	return uint32(r)
}

func (m *Module) dynCallJIJIWide(index, a uint32, b uint64, c uint32) uint64 {
	defer m.Enter("legalfunc$dynCall_jiji")()
	return m.callIndirect(typeDynJIJI, index, uint64(a), b, uint64(c))[0]
}

func (m *Module) dynCallIIDIIII(index, a uint32, d float64, b, c, e, g uint32) uint32 {
	defer m.Enter("dynCall_iidiiii")()
	return uint32(m.callIndirect(typeDynIIDIIII, index, uint64(a), api.EncodeF64(d),
		uint64(b), uint64(c), uint64(e), uint64(g))[0])
}

func (m *Module) dynCallVII(index, a, b uint32) {
	defer m.Enter("dynCall_vii")()
	m.callIndirect(typeDynVII, index, uint64(a), uint64(b))
}

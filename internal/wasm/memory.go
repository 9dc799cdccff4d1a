package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/internal/wasmruntime"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryLimitPages is maximum number of pages defined (2^16).
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MemoryLimitPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// compile-time check to ensure MemoryInstance implements api.Memory
var _ api.Memory = &MemoryInstance{}

// MemoryInstance represents a linear memory instance, and implements api.Memory.
//
// Translated code uses the trapping accessors (I32Load, I64Store8, ...) which take the effective address as uint64, the
// way the translated code computes (u64)(base + offset). Host code uses the api.Memory methods, which report a range
// violation with ok=false instead of trapping.
//
// Note: Every accessor reads Buffer once, and Grow replaces it with a single assignment, so no accessor observes a
// memory whose size is in the middle of changing.
type MemoryInstance struct {
	Buffer   []byte
	Min, Max uint32
}

// NewMemoryInstance returns a zeroed memory of min pages, which can grow up to max pages.
func NewMemoryInstance(min, max uint32) *MemoryInstance {
	return &MemoryInstance{Buffer: make([]byte, MemoryPagesToBytesNum(min)), Min: min, Max: max}
}

// slice returns the size bytes at addr or panics with wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess.
func (m *MemoryInstance) slice(addr, size uint64) []byte {
	buf := m.Buffer
	if addr > uint64(len(buf)) || size > uint64(len(buf))-addr {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	return buf[addr : addr+size]
}

// I32Load is i32.load.
func (m *MemoryInstance) I32Load(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.slice(addr, 4))
}

// I64Load is i64.load.
func (m *MemoryInstance) I64Load(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.slice(addr, 8))
}

// F32Load is f32.load.
func (m *MemoryInstance) F32Load(addr uint64) float32 {
	return math.Float32frombits(m.I32Load(addr))
}

// F64Load is f64.load.
func (m *MemoryInstance) F64Load(addr uint64) float64 {
	return math.Float64frombits(m.I64Load(addr))
}

// I32Load8S is i32.load8_s.
func (m *MemoryInstance) I32Load8S(addr uint64) uint32 {
	return uint32(int32(int8(m.slice(addr, 1)[0])))
}

// I32Load8U is i32.load8_u.
func (m *MemoryInstance) I32Load8U(addr uint64) uint32 {
	return uint32(m.slice(addr, 1)[0])
}

// I32Load16S is i32.load16_s.
func (m *MemoryInstance) I32Load16S(addr uint64) uint32 {
	return uint32(int32(int16(binary.LittleEndian.Uint16(m.slice(addr, 2)))))
}

// I32Load16U is i32.load16_u.
func (m *MemoryInstance) I32Load16U(addr uint64) uint32 {
	return uint32(binary.LittleEndian.Uint16(m.slice(addr, 2)))
}

// I64Load8S is i64.load8_s.
func (m *MemoryInstance) I64Load8S(addr uint64) uint64 {
	return uint64(int64(int8(m.slice(addr, 1)[0])))
}

// I64Load8U is i64.load8_u.
func (m *MemoryInstance) I64Load8U(addr uint64) uint64 {
	return uint64(m.slice(addr, 1)[0])
}

// I64Load16S is i64.load16_s.
func (m *MemoryInstance) I64Load16S(addr uint64) uint64 {
	return uint64(int64(int16(binary.LittleEndian.Uint16(m.slice(addr, 2)))))
}

// I64Load16U is i64.load16_u.
func (m *MemoryInstance) I64Load16U(addr uint64) uint64 {
	return uint64(binary.LittleEndian.Uint16(m.slice(addr, 2)))
}

// I64Load32S is i64.load32_s.
func (m *MemoryInstance) I64Load32S(addr uint64) uint64 {
	return uint64(int64(int32(binary.LittleEndian.Uint32(m.slice(addr, 4)))))
}

// I64Load32U is i64.load32_u.
func (m *MemoryInstance) I64Load32U(addr uint64) uint64 {
	return uint64(binary.LittleEndian.Uint32(m.slice(addr, 4)))
}

// I32Store is i32.store.
func (m *MemoryInstance) I32Store(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.slice(addr, 4), v)
}

// I64Store is i64.store.
func (m *MemoryInstance) I64Store(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.slice(addr, 8), v)
}

// F32Store is f32.store.
func (m *MemoryInstance) F32Store(addr uint64, v float32) {
	m.I32Store(addr, math.Float32bits(v))
}

// F64Store is f64.store.
func (m *MemoryInstance) F64Store(addr uint64, v float64) {
	m.I64Store(addr, math.Float64bits(v))
}

// I32Store8 is i32.store8.
func (m *MemoryInstance) I32Store8(addr uint64, v uint32) {
	m.slice(addr, 1)[0] = byte(v)
}

// I32Store16 is i32.store16.
func (m *MemoryInstance) I32Store16(addr uint64, v uint32) {
	binary.LittleEndian.PutUint16(m.slice(addr, 2), uint16(v))
}

// I64Store8 is i64.store8.
func (m *MemoryInstance) I64Store8(addr uint64, v uint64) {
	m.slice(addr, 1)[0] = byte(v)
}

// I64Store16 is i64.store16.
func (m *MemoryInstance) I64Store16(addr uint64, v uint64) {
	binary.LittleEndian.PutUint16(m.slice(addr, 2), uint16(v))
}

// I64Store32 is i64.store32.
func (m *MemoryInstance) I64Store32(addr uint64, v uint64) {
	binary.LittleEndian.PutUint32(m.slice(addr, 4), uint32(v))
}

// ReadCString returns the bytes at addr up to, not including, the first NUL. This traps if there is no NUL before the
// end of memory.
func (m *MemoryInstance) ReadCString(addr uint64) string {
	buf := m.Buffer
	if addr >= uint64(len(buf)) {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	n := bytes.IndexByte(buf[addr:], 0)
	if n < 0 {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	return string(buf[addr : addr+uint64(n)])
}

// Fill sets n bytes at addr to v, like memory.fill.
func (m *MemoryInstance) Fill(addr uint64, v byte, n uint32) {
	b := m.slice(addr, uint64(n))
	for i := range b {
		b[i] = v
	}
}

// Copy moves n bytes from src to dst, like memory.copy. Overlapping ranges are copied as if through a temporary
// buffer.
func (m *MemoryInstance) Copy(dst, src uint64, n uint32) {
	s := m.slice(src, uint64(n))
	d := m.slice(dst, uint64(n))
	copy(d, s)
}

// Size implements the same method as documented on api.Memory.
func (m *MemoryInstance) Size() uint32 {
	return uint32(len(m.Buffer))
}

// hasSize returns true if Len is sufficient for byteCount at the given offset.
func (m *MemoryInstance) hasSize(offset uint32, byteCount uint64) bool {
	return uint64(offset)+byteCount <= uint64(len(m.Buffer)) // uint64 prevents overflow on add
}

// IndexByte implements the same method as documented on api.Memory.
func (m *MemoryInstance) IndexByte(offset uint32, c byte) (uint32, bool) {
	if offset >= m.Size() {
		return 0, false
	}
	b := m.Buffer[offset:]
	result := bytes.IndexByte(b, c)
	if result == -1 {
		return 0, false
	}
	return uint32(result) + offset, true
}

// ReadByte implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	if offset >= m.Size() {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint16Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadUint16Le(offset uint32) (uint16, bool) {
	if !m.hasSize(offset, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.Buffer[offset : offset+2]), true
}

// ReadUint32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset : offset+4]), true
}

// ReadFloat32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadFloat32Le(offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(v), true
}

// ReadUint64Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset : offset+8]), true
}

// ReadFloat64Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

// Read implements the same method as documented on api.Memory.
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, uint64(byteCount)) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	if offset >= m.Size() {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint16Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteUint16Le(offset uint32, v uint16) bool {
	if !m.hasSize(offset, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(m.Buffer[offset:], v)
	return true
}

// WriteUint32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteFloat32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteFloat32Le(offset uint32, v float32) bool {
	return m.WriteUint32Le(offset, math.Float32bits(v))
}

// WriteUint64Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// WriteFloat64Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

// Write implements the same method as documented on api.Memory.
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(offset, uint64(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// WriteString implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteString(offset uint32, val string) bool {
	if !m.hasSize(offset, uint64(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// memoryBytesNumToPages converts the given number of bytes into the number of pages.
func memoryBytesNumToPages(bytesNum uint64) (pages uint32) {
	return uint32(bytesNum >> MemoryPageSizeInBits)
}

// Grow implements the same method as documented on api.Memory.
//
// The new buffer is fully built before it replaces the current one.
func (m *MemoryInstance) Grow(delta uint32) (result uint32, ok bool) {
	currentPages := m.Pages()
	if delta == 0 {
		return currentPages, true
	}

	// If exceeds the max of memory size, we return false per the contract of memory.grow returning -1.
	newPages := uint64(currentPages) + uint64(delta)
	if newPages > uint64(m.Max) {
		return 0, false
	}
	buf := make([]byte, MemoryPagesToBytesNum(uint32(newPages)))
	copy(buf, m.Buffer)
	m.Buffer = buf
	return currentPages, true
}

// Pages returns the current memory buffer size in pages.
func (m *MemoryInstance) Pages() (result uint32) {
	return memoryBytesNumToPages(uint64(len(m.Buffer)))
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64 Ki"
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
func PagesToUnitOfBytes(pages uint32) string {
	k := pages * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	g := m / 1024
	if g < 1024 {
		return fmt.Sprintf("%d Gi", g)
	}
	return fmt.Sprintf("%d Ti", g/1024)
}

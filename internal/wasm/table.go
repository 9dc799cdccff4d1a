package wasm

import (
	"context"
	"fmt"

	"github.com/unwasm/unwasm/internal/wasmruntime"
)

// TableInstance represents a table of (ElemTypeFuncref) elements in a module.
//
// Elements are populated once, by Init, and never mutated afterwards.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	// Elements holds the function of each slot, or nil for an empty slot.
	Elements []*FunctionInstance

	// Min is the minimum (function) elements in this table and cannot grow to accommodate an element segment.
	Min uint32

	// Max is the maximum (function) elements in this table.
	Max uint32
}

// NewTableInstance returns a table of min empty slots.
func NewTableInstance(min, max uint32) *TableInstance {
	return &TableInstance{Elements: make([]*FunctionInstance, min), Min: min, Max: max}
}

// Size returns the count of slots, occupied or not.
func (t *TableInstance) Size() uint32 {
	return uint32(len(t.Elements))
}

// Init applies an element segment: fns are written to consecutive slots starting at offset.
//
// Note: An error is returned if the segment doesn't fit in Min or overlaps a slot already written.
func (t *TableInstance) Init(offset uint32, fns ...*FunctionInstance) error {
	if uint64(offset)+uint64(len(fns)) > uint64(len(t.Elements)) {
		return fmt.Errorf("element segment at offset %d with %d elements exceeds table size %d", offset, len(fns), len(t.Elements))
	}
	for i, f := range fns {
		if t.Elements[offset+uint32(i)] != nil {
			return fmt.Errorf("table slot %d already initialized", offset+uint32(i))
		}
		t.Elements[offset+uint32(i)] = f
	}
	return nil
}

// Lookup returns the function at index if its signature is typeID.
//
// This panics with wasmruntime.ErrRuntimeInvalidTableAccess if the index is out of range or the slot is empty, and with
// wasmruntime.ErrRuntimeIndirectCallTypeMismatch if the signature differs.
func (t *TableInstance) Lookup(typeID FunctionTypeID, index uint32) *FunctionInstance {
	elements := t.Elements
	if uint64(index) >= uint64(len(elements)) {
		panic(wasmruntime.ErrRuntimeInvalidTableAccess)
	}
	f := elements[index]
	if f == nil {
		panic(wasmruntime.ErrRuntimeInvalidTableAccess)
	} else if f.TypeID != typeID {
		panic(wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
	}
	return f
}

// CallIndirect looks up the function at index and invokes it with params, returning its results. Traps propagate as
// panics, the same as a direct call.
func (t *TableInstance) CallIndirect(ctx context.Context, typeID FunctionTypeID, index uint32, params ...uint64) []uint64 {
	f := t.Lookup(typeID, index)
	stack := make([]uint64, f.StackSize())
	copy(stack, params)
	f.Invoke(ctx, stack)
	return stack[:len(f.Type.Results)]
}

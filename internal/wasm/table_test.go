package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unwasm/unwasm/internal/wasmruntime"
)

func newTestModule(t *testing.T) *ModuleInstance {
	m := NewModuleInstance("test", NewTypeRegistry())
	require.NoError(t, m.RegisterTypes(v_v, i32_i32, i32i32_i32))
	return m
}

func TestTableInstance_Init(t *testing.T) {
	m := newTestModule(t)
	f := m.NewFunction("f", 0, func(context.Context, []uint64) {})

	table := NewTableInstance(3, 3)
	require.Equal(t, uint32(3), table.Size())
	require.NoError(t, table.Init(1, f, f))
	require.Nil(t, table.Elements[0])
	require.Equal(t, f, table.Elements[2])

	require.EqualError(t, table.Init(2, f, f), "element segment at offset 2 with 2 elements exceeds table size 3")
	require.EqualError(t, table.Init(1, f), "table slot 1 already initialized")
}

func TestTableInstance_CallIndirect(t *testing.T) {
	m := newTestModule(t)
	add := func(_ context.Context, stack []uint64) {
		stack[0] = uint64(uint32(stack[0]) + uint32(stack[1]))
	}
	addFn := m.NewFunction("add", 2, add)
	negFn := m.NewFunction("neg", 1, func(_ context.Context, stack []uint64) {
		stack[0] = uint64(-uint32(stack[0]))
	})

	table := NewTableInstance(4, 4)
	require.NoError(t, table.Init(1, addFn, negFn))

	t.Run("matching signature equals direct call", func(t *testing.T) {
		direct := []uint64{2, 3}
		add(context.Background(), direct)

		results := table.CallIndirect(context.Background(), m.TypeIDs[2], 1, 2, 3)
		require.Equal(t, direct[:1], results)

		results = table.CallIndirect(context.Background(), m.TypeIDs[1], 2, 1)
		require.Equal(t, []uint64{0xffffffff}, results)
	})

	tests := []struct {
		name   string
		typeID FunctionTypeID
		index  uint32
		expErr error
	}{
		{name: "signature mismatch", typeID: m.TypeIDs[1], index: 1, expErr: wasmruntime.ErrRuntimeIndirectCallTypeMismatch},
		{name: "empty slot", typeID: m.TypeIDs[2], index: 0, expErr: wasmruntime.ErrRuntimeInvalidTableAccess},
		{name: "empty trailing slot", typeID: m.TypeIDs[2], index: 3, expErr: wasmruntime.ErrRuntimeInvalidTableAccess},
		{name: "out of range", typeID: m.TypeIDs[2], index: 4, expErr: wasmruntime.ErrRuntimeInvalidTableAccess},
		{name: "far out of range", typeID: m.TypeIDs[2], index: 0xffffffff, expErr: wasmruntime.ErrRuntimeInvalidTableAccess},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := trap(func() { table.CallIndirect(context.Background(), tc.typeID, tc.index, 1, 2) })
			require.ErrorIs(t, err, tc.expErr)
		})
	}
}

func TestTableInstance_Lookup_SharedRegistry(t *testing.T) {
	// Two modules registering the same signature in one registry can call each other's table entries.
	registry := NewTypeRegistry()
	m1 := NewModuleInstance("m1", registry)
	require.NoError(t, m1.RegisterTypes(i32i32_i32))
	m2 := NewModuleInstance("m2", registry)
	require.NoError(t, m2.RegisterTypes(v_v, NewFunctionType(i32i32_i32.Params, i32i32_i32.Results)))

	table := NewTableInstance(1, 1)
	require.NoError(t, table.Init(0, m1.NewFunction("f", 0, func(context.Context, []uint64) {})))
	require.NotNil(t, table.Lookup(m2.TypeIDs[1], 0))
}

package wasm

import (
	"fmt"

	"github.com/unwasm/unwasm/api"
)

// GlobalInstance is a global variable of a module instance. Val holds the api.ValueType encoding of the value.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#global-instances%E2%91%A0
type GlobalInstance struct {
	Type    api.ValueType
	Mutable bool
	Val     uint64
}

// GetI32 returns the value of an i32 global.
func (g *GlobalInstance) GetI32() uint32 {
	return uint32(g.Val)
}

// SetI32 updates the value of an i32 global.
func (g *GlobalInstance) SetI32(v uint32) {
	g.Val = uint64(v)
}

// String implements fmt.Stringer
func (g *GlobalInstance) String() string {
	switch g.Type {
	case api.ValueTypeI32, api.ValueTypeI64:
		return fmt.Sprintf("global(%d)", g.Val)
	case api.ValueTypeF32:
		return fmt.Sprintf("global(%f)", api.DecodeF32(g.Val))
	case api.ValueTypeF64:
		return fmt.Sprintf("global(%f)", api.DecodeF64(g.Val))
	default:
		panic(fmt.Errorf("BUG: unknown value type %X", g.Type))
	}
}

type mutableGlobal struct {
	g *GlobalInstance
}

// compile-time check to ensure mutableGlobal is a api.MutableGlobal
var _ api.MutableGlobal = &mutableGlobal{}

// Type implements the same method as documented on api.Global.
func (g *mutableGlobal) Type() api.ValueType {
	return g.g.Type
}

// Get implements the same method as documented on api.Global.
func (g *mutableGlobal) Get() uint64 {
	return g.g.Val
}

// Set implements the same method as documented on api.MutableGlobal.
func (g *mutableGlobal) Set(v uint64) {
	g.g.Val = v
}

// String implements fmt.Stringer
func (g *mutableGlobal) String() string {
	return g.g.String()
}

// constantGlobal is a snapshot of an immutable global.
type constantGlobal struct {
	typ api.ValueType
	val uint64
}

// compile-time check to ensure constantGlobal is a api.Global
var _ api.Global = constantGlobal{}

// Type implements the same method as documented on api.Global.
func (g constantGlobal) Type() api.ValueType {
	return g.typ
}

// Get implements the same method as documented on api.Global.
func (g constantGlobal) Get() uint64 {
	return g.val
}

// String implements fmt.Stringer
func (g constantGlobal) String() string {
	return (&GlobalInstance{Type: g.typ, Val: g.val}).String()
}

// publicGlobal returns the api.Global view of g: mutable globals are live, others are a snapshot.
func publicGlobal(g *GlobalInstance) api.Global {
	if g.Mutable {
		return &mutableGlobal{g}
	}
	return constantGlobal{typ: g.Type, val: g.Val}
}

package wasm

import (
	"context"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental"
)

// compile-time check to ensure FunctionInstance implements api.Function
var _ api.Function = &FunctionInstance{}

// FunctionInstance is a function of a module instance: a translated function or a host import, both implemented in
// Go with the stack convention of api.GoFunction.
type FunctionInstance struct {
	// DebugName is the name used in backtraces and listeners. Exported functions use their export name.
	DebugName string

	// Type is the signature of this function.
	Type *FunctionType

	// TypeID is the Type registered in the TypeRegistry of Module. Indirect calls compare this.
	TypeID FunctionTypeID

	// GoFunc reads parameters from the front of the stack and writes results back to it.
	GoFunc api.GoFunction

	// Module is the module instance that defines this function.
	Module *ModuleInstance

	// Listener, if non-nil, is notified when this function is invoked.
	Listener experimental.FunctionListener
}

// Name implements the same method as documented on api.Function.
func (f *FunctionInstance) Name() string {
	return f.DebugName
}

// ParamTypes implements the same method as documented on api.Function.
func (f *FunctionInstance) ParamTypes() []api.ValueType {
	return f.Type.Params
}

// ResultTypes implements the same method as documented on api.Function.
func (f *FunctionInstance) ResultTypes() []api.ValueType {
	return f.Type.Results
}

// Call implements the same method as documented on api.Function.
func (f *FunctionInstance) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return f.Module.Call(ctx, f, params...)
}

// StackSize returns the length of the stack Invoke requires.
func (f *FunctionInstance) StackSize() int {
	p, r := len(f.Type.Params), len(f.Type.Results)
	if p > r {
		return p
	}
	return r
}

// Invoke calls GoFunc without a trap boundary: any trap propagates to the caller as a panic.
func (f *FunctionInstance) Invoke(ctx context.Context, stack []uint64) {
	l := f.Listener
	if l == nil {
		f.GoFunc(ctx, stack)
		return
	}
	params := append([]uint64(nil), stack[:len(f.Type.Params)]...)
	ctx = l.Before(ctx, f.Module, f, params)
	// Calls made by the body, which take the module context, see the listener's context. Call restores it on a trap.
	prev := f.Module.ctx
	f.Module.ctx = ctx
	f.GoFunc(ctx, stack)
	f.Module.ctx = prev
	l.After(ctx, f.Module, f, stack[:len(f.Type.Results)])
}

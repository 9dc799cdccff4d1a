package wasm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental"
	"github.com/unwasm/unwasm/internal/wasmruntime"
)

// DefaultMaxCallStackDepth is the default limit of nested function calls in a module instance.
const DefaultMaxCallStackDepth = 500

// ModuleState is the lifecycle state of a ModuleInstance.
type ModuleState uint32

const (
	// ModuleStateUninitialized is the state before Initialize succeeds. Functions cannot be called.
	ModuleStateUninitialized ModuleState = iota
	// ModuleStateInitialized is the state after Initialize succeeds. There is no transition back.
	ModuleStateInitialized
)

// String implements fmt.Stringer
func (s ModuleState) String() string {
	switch s {
	case ModuleStateUninitialized:
		return "uninitialized"
	case ModuleStateInitialized:
		return "initialized"
	}
	return fmt.Sprintf("ModuleState(%d)", uint32(s))
}

// Export is an entity exported from a ModuleInstance. Exactly one of the pointer fields is set, per Type.
type Export struct {
	Type     api.ExternType
	Name     string
	Function *FunctionInstance
	Global   *GlobalInstance
	Memory   *MemoryInstance
	Table    *TableInstance
}

// compile-time check to ensure ModuleInstance implements api.Module
var _ api.Module = &ModuleInstance{}

// ModuleInstance holds the state of one instantiated module: its memory, table, globals and exports, plus the
// bookkeeping of the call in progress (depth guard, frame names for backtraces and the context of the outermost call).
//
// A ModuleInstance is not safe for concurrent use: one logical thread executes its functions at a time.
type ModuleInstance struct {
	ModuleName     string
	MemoryInstance *MemoryInstance
	Table          *TableInstance
	Globals        []*GlobalInstance

	// Types is the registry the function types of this module are registered in, and TypeIDs maps each module type
	// index to its ID there.
	Types   *TypeRegistry
	TypeIDs []FunctionTypeID

	// MaxCallStackDepth is the limit of nested calls checked by Enter.
	MaxCallStackDepth int

	// StackPointer, if set, is restored to its value at the outermost call when that call traps.
	StackPointer *GlobalInstance

	Logger          *zap.Logger
	ListenerFactory experimental.FunctionListenerFactory

	exports     map[string]*Export
	exportNames []string
	state       ModuleState

	depth  int
	frames []string
	// trace is the snapshot of frames at the point a trap was raised.
	trace  []string
	exitFn func()
	ctx    context.Context

	closed uint32
}

// NewModuleInstance returns an uninitialized instance named name using the given type registry.
func NewModuleInstance(name string, types *TypeRegistry) *ModuleInstance {
	m := &ModuleInstance{
		ModuleName:        name,
		Types:             types,
		MaxCallStackDepth: DefaultMaxCallStackDepth,
		Logger:            zap.NewNop(),
		exports:           map[string]*Export{},
		ctx:               context.Background(),
	}
	m.exitFn = func() { m.exit(recover()) }
	return m
}

// RegisterTypes registers the function types of this module in order, so that type index i resolves to TypeIDs[i].
func (m *ModuleInstance) RegisterTypes(types ...*FunctionType) error {
	ids := make([]FunctionTypeID, len(types))
	for i, t := range types {
		id, err := m.Types.Register(t)
		if err != nil {
			return fmt.Errorf("type[%d] %s: %w", i, t, err)
		}
		ids[i] = id
	}
	m.TypeIDs = ids
	return nil
}

// NewFunction returns a function of this module with the type at typeIndex. The listener, if any, is resolved now.
func (m *ModuleInstance) NewFunction(name string, typeIndex uint32, fn api.GoFunction) *FunctionInstance {
	f := &FunctionInstance{
		DebugName: name,
		Type:      m.Types.Type(m.TypeIDs[typeIndex]),
		TypeID:    m.TypeIDs[typeIndex],
		GoFunc:    fn,
		Module:    m,
	}
	if factory := m.ListenerFactory; factory != nil {
		f.Listener = factory.NewListener(f)
	}
	return f
}

// ExportFunction exports f under its DebugName.
func (m *ModuleInstance) ExportFunction(f *FunctionInstance) {
	m.addExport(&Export{Type: api.ExternTypeFunc, Name: f.DebugName, Function: f})
}

// ExportGlobal exports g under name.
func (m *ModuleInstance) ExportGlobal(name string, g *GlobalInstance) {
	m.addExport(&Export{Type: api.ExternTypeGlobal, Name: name, Global: g})
}

// ExportMemory exports the memory of this module under name.
func (m *ModuleInstance) ExportMemory(name string) {
	m.addExport(&Export{Type: api.ExternTypeMemory, Name: name, Memory: m.MemoryInstance})
}

// ExportTable exports the table of this module under name.
func (m *ModuleInstance) ExportTable(name string) {
	m.addExport(&Export{Type: api.ExternTypeTable, Name: name, Table: m.Table})
}

func (m *ModuleInstance) addExport(exp *Export) {
	if _, ok := m.exports[exp.Name]; !ok {
		m.exportNames = append(m.exportNames, exp.Name)
	}
	m.exports[exp.Name] = exp
}

// Export returns the export of the given name and type, or an error if it doesn't exist.
func (m *ModuleInstance) Export(name string, et api.ExternType) (*Export, error) {
	exp, ok := m.exports[name]
	if !ok {
		return nil, fmt.Errorf("%q is not exported in module %q", name, m.ModuleName)
	}
	if exp.Type != et {
		return nil, fmt.Errorf("export %q in module %q is a %s, not a %s", name, m.ModuleName, api.ExternTypeName(exp.Type), api.ExternTypeName(et))
	}
	return exp, nil
}

// Exports returns the names of all exports, in the order they were added.
func (m *ModuleInstance) Exports() []string {
	return append([]string(nil), m.exportNames...)
}

// State returns the lifecycle state of the module.
func (m *ModuleInstance) State() ModuleState {
	return m.state
}

// Initialize runs init and, if it succeeds, moves the module to ModuleStateInitialized. This can succeed only once: a
// second call returns ErrAlreadyInitialized. When init fails, the module stays uninitialized and should be discarded.
func (m *ModuleInstance) Initialize(init func() error) error {
	if m.state != ModuleStateUninitialized {
		return fmt.Errorf("module %q: %w", m.ModuleName, ErrAlreadyInitialized)
	}
	if err := init(); err != nil {
		return fmt.Errorf("module %q: %w", m.ModuleName, err)
	}
	m.state = ModuleStateInitialized
	m.Logger.Debug("module initialized", zap.String("module", m.ModuleName), zap.Int("exports", len(m.exportNames)))
	return nil
}

// Enter guards the entry of a translated function and returns the function that must be deferred to leave it:
//
//	defer m.Enter("greet")()
//
// Enter panics with wasmruntime.ErrRuntimeCallStackOverflow before the body runs when MaxCallStackDepth calls are
// already in progress.
func (m *ModuleInstance) Enter(name string) func() {
	if m.depth >= m.MaxCallStackDepth {
		if m.trace == nil {
			m.trace = append(append([]string(nil), m.frames...), name)
		}
		panic(wasmruntime.ErrRuntimeCallStackOverflow)
	}
	m.depth++
	m.frames = append(m.frames, name)
	return m.exitFn
}

// exit leaves the innermost frame. When leaving because of a panic, the frames are captured before they unwind and
// the panic continues.
func (m *ModuleInstance) exit(recovered interface{}) {
	if recovered != nil && m.trace == nil {
		m.trace = append([]string(nil), m.frames...)
	}
	m.depth--
	m.frames = m.frames[:len(m.frames)-1]
	if recovered != nil {
		panic(recovered)
	}
}

// Depth returns the count of translated function calls in progress.
func (m *ModuleInstance) Depth() int {
	return m.depth
}

// Context returns the context of the call in progress, which host imports reached from translated code receive.
func (m *ModuleInstance) Context() context.Context {
	return m.ctx
}

// Call invokes f with params. This is the trap boundary: when this is the outermost call into the module, a trap is
// recovered into an error wrapping its wasmruntime sentinel, followed by a backtrace of the translated frames. Nested
// calls, such as a host function calling back into the module, let the trap propagate to the outermost call.
func (m *ModuleInstance) Call(ctx context.Context, f *FunctionInstance, params ...uint64) (results []uint64, err error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, fmt.Errorf("module %q closed", m.ModuleName)
	}
	if m.state != ModuleStateInitialized {
		return nil, fmt.Errorf("%s.%s: %w", m.ModuleName, f.DebugName, ErrNotInitialized)
	}
	if len(params) != len(f.Type.Params) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(f.Type.Params), len(params))
	}

	prevDepth, prevFrames, prevCtx := m.depth, len(m.frames), m.ctx
	// shouldRecover is true when a panic at the origin of callstack should be recovered
	//
	// If this is the recursive call into Wasm (prevDepth != 0), we do not recover, and delegate the
	// recovery to the first Call.
	shouldRecover := prevDepth == 0
	var sp uint64
	if m.StackPointer != nil {
		sp = m.StackPointer.Val
	}
	m.ctx = ctx

	defer func() {
		m.ctx = prevCtx
		if !shouldRecover {
			return
		}
		if v := recover(); v != nil {
			trace := m.trace
			m.trace = nil
			m.depth, m.frames = prevDepth, m.frames[:prevFrames]
			if m.StackPointer != nil {
				m.StackPointer.Val = sp
			}
			results = nil
			err = trapError(v, f.DebugName, trace)
			m.Logger.Debug("call trapped", zap.String("module", m.ModuleName), zap.String("function", f.DebugName), zap.Error(err))
		}
	}()

	stack := make([]uint64, f.StackSize())
	copy(stack, params)
	f.Invoke(ctx, stack)
	results = stack[:len(f.Type.Results)]
	return
}

// trapError converts a recovered value into the error returned by Call.
func trapError(v interface{}, entry string, trace []string) (err error) {
	if err2, ok := v.(error); ok {
		var re runtime.Error
		if errors.As(err2, &re) && re.Error() == "runtime error: integer divide by zero" {
			err2 = wasmruntime.ErrRuntimeIntegerDivideByZero
		}
		err = fmt.Errorf("wasm runtime error: %w", err2)
	} else {
		err = fmt.Errorf("wasm runtime error: %v", v)
	}

	if len(trace) == 0 {
		trace = []string{entry}
	}
	traces := make([]string, 0, len(trace))
	for i := len(trace) - 1; i >= 0; i-- {
		traces = append(traces, fmt.Sprintf("\t%d: %s", len(trace)-1-i, trace[i]))
	}
	return fmt.Errorf("%w\nwasm backtrace:\n%s", err, strings.Join(traces, "\n"))
}

// Name implements the same method as documented on api.Module.
func (m *ModuleInstance) Name() string {
	return m.ModuleName
}

// String implements the same method as documented on api.Module.
func (m *ModuleInstance) String() string {
	return fmt.Sprintf("Module[%s]", m.ModuleName)
}

// Memory implements the same method as documented on api.Module.
func (m *ModuleInstance) Memory() api.Memory {
	if m.MemoryInstance == nil {
		return nil
	}
	return m.MemoryInstance
}

// ExportedFunction implements the same method as documented on api.Module.
func (m *ModuleInstance) ExportedFunction(name string) api.Function {
	exp, err := m.Export(name, api.ExternTypeFunc)
	if err != nil {
		return nil
	}
	return exp.Function
}

// ExportedFunctionNames implements the same method as documented on api.Module.
func (m *ModuleInstance) ExportedFunctionNames() (names []string) {
	for _, name := range m.exportNames {
		if m.exports[name].Type == api.ExternTypeFunc {
			names = append(names, name)
		}
	}
	return
}

// ExportedGlobal implements the same method as documented on api.Module.
func (m *ModuleInstance) ExportedGlobal(name string) api.Global {
	exp, err := m.Export(name, api.ExternTypeGlobal)
	if err != nil {
		return nil
	}
	return publicGlobal(exp.Global)
}

// Close implements the same method as documented on api.Module. Any function call after Close returns an error.
func (m *ModuleInstance) Close(context.Context) error {
	if atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		m.Logger.Debug("module closed", zap.String("module", m.ModuleName))
	}
	return nil
}

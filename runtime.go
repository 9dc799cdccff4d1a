// Package unwasm runs the translated hello module: a WebAssembly module compiled ahead of time to Go, on a substrate
// that keeps WebAssembly semantics (linear memory, traps, a function table checked on each indirect call and a bounded
// call stack).
//
// A Runtime instantiates modules sharing one function type registry, so functions of different instances compare
// equal by signature:
//
//	r := unwasm.NewRuntime(unwasm.NewRuntimeConfig().WithStdout(os.Stdout))
//	defer r.Close(ctx)
//
//	mod, _ := r.Instantiate(ctx)
//	mod.ExportedFunction("sayHello").Call(ctx)
package unwasm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/imports/emscripten"
	"github.com/unwasm/unwasm/internal/dlmalloc"
	"github.com/unwasm/unwasm/internal/hello"
	"github.com/unwasm/unwasm/internal/wasm"
)

var _ hello.Imports = (*emscripten.Host)(nil)

// ErrRuntimeClosed is returned by Runtime.Instantiate after Runtime.Close.
var ErrRuntimeClosed = errors.New("runtime closed")

// HeapStats is a summary of the malloc arena of a module.
type HeapStats = dlmalloc.Stats

// Module is an instantiated hello module.
type Module interface {
	api.Module

	// HeapStats summarizes the malloc arena.
	HeapStats() HeapStats

	// Errno returns the value of errno.
	Errno() uint32

	// TempRet0 returns the high word of the last i64 result returned through dynCall_jiji.
	TempRet0() uint32
}

type module struct {
	*hello.Module
	host *emscripten.Host
}

// HeapStats implements Module.HeapStats
func (m *module) HeapStats() HeapStats {
	return m.Heap().Stats()
}

// TempRet0 implements Module.TempRet0
func (m *module) TempRet0() uint32 {
	return m.host.TempRet0()
}

// Runtime instantiates hello modules. It is safe for concurrent use, though each Module is not.
type Runtime struct {
	config *RuntimeConfig
	logger *zap.Logger
	types  *wasm.TypeRegistry

	mux     sync.Mutex
	modules []Module
	closed  bool
}

// NewRuntime returns a runtime with the given configuration, or NewRuntimeConfig when nil.
func NewRuntime(config *RuntimeConfig) *Runtime {
	if config == nil {
		config = NewRuntimeConfig()
	}
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{config: config, logger: logger, types: wasm.NewTypeRegistry()}
}

// Instantiate initializes a new hello module and runs its constructors.
//
// Notes:
//   - Each call returns an independent instance with its own memory.
//   - Closing the Runtime closes every module it instantiated.
func (r *Runtime) Instantiate(ctx context.Context) (Module, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}

	host := &emscripten.Host{Stdout: r.config.stdout, Stderr: r.config.stderr, Logger: r.logger}
	m := hello.New(host, hello.Options{
		MemoryMaxPages:    r.config.memoryMaxPages,
		MaxCallStackDepth: r.config.maxCallStackDepth,
		Types:             r.types,
		Logger:            r.logger,
		ListenerFactory:   r.config.listenerFactory,
	})
	if err := m.Init(); err != nil {
		return nil, err
	}
	if _, err := m.ExportedFunction("__wasm_call_ctors").Call(ctx); err != nil {
		return nil, fmt.Errorf("constructors: %w", err)
	}

	mod := &module{Module: m, host: host}
	r.modules = append(r.modules, mod)
	r.logger.Debug("module instantiated", zap.String("module", m.Name()), zap.Int("instances", len(r.modules)))
	return mod, nil
}

// Close closes every module instantiated by this runtime. Further calls to Instantiate return ErrRuntimeClosed.
func (r *Runtime) Close(ctx context.Context) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, m := range r.modules {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.modules = nil
	return errors.Join(errs...)
}

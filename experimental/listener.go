// Package experimental includes features that may change before they are stable.
package experimental

import (
	"context"

	"github.com/unwasm/unwasm/api"
)

// FunctionListenerFactory returns FunctionListeners to be notified when a
// function is called.
type FunctionListenerFactory interface {
	// NewListener returns a FunctionListener for a defined function. If nil is
	// returned, no listener will be notified.
	NewListener(fn api.Function) FunctionListener
	// ^^ A single instance can be returned to avoid instantiating a listener
	// per function. Shared listeners use their api.Function parameter to
	// clarify.
}

// FunctionListener can be registered for any function via
// FunctionListenerFactory to be notified when the function is called.
//
// Listeners observe calls that cross a function instance: exported functions
// called by the host, and functions reached through the table.
type FunctionListener interface {
	// Before is invoked before a function is called. The returned context will
	// be used as the context of this function call.
	//
	// # Params
	//
	//   - ctx: the context of the caller function which must be the same
	//	   instance or parent of the result.
	//   - mod: the module defining the function.
	//   - fn: the function being called.
	//   - params: api.ValueType encoded parameters.
	Before(ctx context.Context, mod api.Module, fn api.Function, params []uint64) context.Context

	// After is invoked after a function returns. It is not invoked when the
	// function traps.
	//
	// # Params
	//
	//   - ctx: the context returned by Before.
	//   - mod: the module defining the function.
	//   - fn: the function that was called.
	//   - results: api.ValueType encoded results.
	After(ctx context.Context, mod api.Module, fn api.Function, results []uint64)
}

// FunctionListenerFactoryFunc is a function type implementing the
// FunctionListenerFactory interface, making it possible to use regular
// functions and methods as factory of function listeners.
type FunctionListenerFactoryFunc func(api.Function) FunctionListener

// NewListener satisfies the FunctionListenerFactory interface, calls f.
func (f FunctionListenerFactoryFunc) NewListener(fn api.Function) FunctionListener {
	return f(fn)
}

// MultiFunctionListenerFactory constructs a FunctionListenerFactory which
// combines the listeners created by each of the factories passed as arguments.
func MultiFunctionListenerFactory(factories ...FunctionListenerFactory) FunctionListenerFactory {
	multi := make(multiFunctionListenerFactory, len(factories))
	copy(multi, factories)
	return multi
}

type multiFunctionListenerFactory []FunctionListenerFactory

func (multi multiFunctionListenerFactory) NewListener(fn api.Function) FunctionListener {
	var lstns []FunctionListener
	for _, factory := range multi {
		if lstn := factory.NewListener(fn); lstn != nil {
			lstns = append(lstns, lstn)
		}
	}
	switch len(lstns) {
	case 0:
		return nil
	case 1:
		return lstns[0]
	default:
		return multiFunctionListener(lstns)
	}
}

type multiFunctionListener []FunctionListener

func (multi multiFunctionListener) Before(ctx context.Context, mod api.Module, fn api.Function, params []uint64) context.Context {
	for _, lstn := range multi {
		ctx = lstn.Before(ctx, mod, fn, params)
	}
	return ctx
}

func (multi multiFunctionListener) After(ctx context.Context, mod api.Module, fn api.Function, results []uint64) {
	for _, lstn := range multi {
		lstn.After(ctx, mod, fn, results)
	}
}

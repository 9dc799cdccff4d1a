// Package logging includes an experimental.FunctionListenerFactory that logs
// function calls to a zap.Logger.
package logging

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental"
)

// NewLoggingListenerFactory is an experimental.FunctionListenerFactory that
// logs every call passing through a function instance at debug level:
//
//	--> hello.greet(5246512)
//		--> hello.__stdio_write(1608,5246400,11)
//		<-- 11
//	<-- 5246528
//
// Nested calls are indented by one tab per level. When the logger does not
// enable debug level, no listener is created.
func NewLoggingListenerFactory(logger *zap.Logger) experimental.FunctionListenerFactory {
	return &loggingListenerFactory{logger: logger}
}

type loggingListenerFactory struct {
	logger *zap.Logger
}

// NewListener implements the same method as documented on
// experimental.FunctionListenerFactory.
func (f *loggingListenerFactory) NewListener(fn api.Function) experimental.FunctionListener {
	if f.logger == nil || !f.logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	return &loggingListener{logger: f.logger, paramTypes: fn.ParamTypes(), resultTypes: fn.ResultTypes()}
}

// nestKey is the context key of the nesting level of the call in progress.
type nestKey struct{}

// loggingListener implements experimental.FunctionListener to log entrance and
// exit of each function call.
type loggingListener struct {
	logger                  *zap.Logger
	paramTypes, resultTypes []api.ValueType
}

// Before logs the module and function name with its parameters, prefixed with
// '-->' and indented based on the call nesting level.
func (l *loggingListener) Before(ctx context.Context, mod api.Module, fn api.Function, params []uint64) context.Context {
	nestLevel, _ := ctx.Value(nestKey{}).(int)

	var b strings.Builder
	indent(&b, nestLevel)
	b.WriteString("--> ")
	b.WriteString(mod.Name())
	b.WriteByte('.')
	b.WriteString(fn.Name())
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		writeValue(&b, l.paramTypes[i], p)
	}
	b.WriteByte(')')
	l.logger.Debug(b.String(), zap.Int("depth", nestLevel+1))

	return context.WithValue(ctx, nestKey{}, nestLevel+1)
}

// After logs the results, prefixed with '<--' and indented at the level of the
// matching Before.
func (l *loggingListener) After(ctx context.Context, _ api.Module, fn api.Function, results []uint64) {
	nestLevel, _ := ctx.Value(nestKey{}).(int)

	var b strings.Builder
	indent(&b, nestLevel-1)
	b.WriteString("<--")
	for i, r := range results {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		writeValue(&b, l.resultTypes[i], r)
	}
	l.logger.Debug(b.String(), zap.Int("depth", nestLevel))
}

func indent(b *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		b.WriteByte('\t')
	}
}

// writeValue writes v decoded per t: integers signed, as the C code sees
// them, and floats in their shortest form.
func writeValue(b *strings.Builder, t api.ValueType, v uint64) {
	switch t {
	case api.ValueTypeI32:
		b.WriteString(strconv.FormatInt(int64(api.DecodeI32(v)), 10))
	case api.ValueTypeI64:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case api.ValueTypeF32:
		b.WriteString(strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32))
	case api.ValueTypeF64:
		b.WriteString(strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64))
	default:
		b.WriteString(strconv.FormatUint(v, 10))
	}
}

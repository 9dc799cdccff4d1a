package logging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental/logging"
	"github.com/unwasm/unwasm/imports/emscripten"
	"github.com/unwasm/unwasm/internal/hello"
)

var testCtx = context.Background()

func messages(logs *observer.ObservedLogs) (msgs []string) {
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	return
}

func newModule(t *testing.T, logger *zap.Logger) *hello.Module {
	m := hello.New(&emscripten.Host{}, hello.Options{ListenerFactory: logging.NewLoggingListenerFactory(logger)})
	require.NoError(t, m.Init())
	return m
}

func TestLoggingListener(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := newModule(t, zap.New(core))

	_, err := m.ExportedFunction("sayHello").Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, []string{
		"--> hello.sayHello()",
		"\t--> hello.__stdio_write(1608,1024,14)",
		"\t<-- 14",
		"<--",
	}, messages(logs))

	depth := logs.All()[1].ContextMap()["depth"]
	require.Equal(t, int64(2), depth)
}

func TestLoggingListener_Values(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := newModule(t, zap.New(core))

	_, err := m.ExportedFunction("add").Call(testCtx, api.EncodeF64(1.5), api.EncodeF64(-0.25))
	require.NoError(t, err)
	_, err = m.ExportedFunction("stackAlloc").Call(testCtx, api.EncodeI32(-16))
	require.NoError(t, err)
	require.Equal(t, []string{
		"--> hello.add(1.5,-0.25)",
		"<-- 1.25",
		"--> hello.stackAlloc(-16)",
		"<-- 5246512",
	}, messages(logs))
}

func TestLoggingListener_Trap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := newModule(t, zap.New(core))

	_, err := m.ExportedFunction("dynCall_ii").Call(testCtx, 0, 0)
	require.Error(t, err)
	// After is not called for a trapping function.
	require.Equal(t, []string{"--> hello.dynCall_ii(0,0)"}, messages(logs))
}

func TestLoggingListener_Disabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	factory := logging.NewLoggingListenerFactory(zap.New(core))

	m := newModule(t, zap.New(core))
	require.Nil(t, factory.NewListener(m.ExportedFunction("add")))

	_, err := m.ExportedFunction("sayHello").Call(testCtx)
	require.NoError(t, err)
	require.Zero(t, logs.Len())
}

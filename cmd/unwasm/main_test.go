package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCtx = context.Background()

func runMain(t *testing.T, env map[string]string, args ...string) (exitCode int, stdout, stderr string) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	lookupEnv := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	exitCode = doMain(testCtx, args, &outBuf, &errBuf, lookupEnv)
	return exitCode, outBuf.String(), errBuf.String()
}

func TestSayHello(t *testing.T) {
	exitCode, stdout, stderr := runMain(t, nil, "say-hello")
	require.Equal(t, 0, exitCode)
	require.Equal(t, "Hello, World!\n", stdout)
	require.Empty(t, stderr)
}

func TestAdd(t *testing.T) {
	tests := []struct {
		args     []string
		expected string
	}{
		{args: []string{"1", "2"}, expected: "3\n"},
		{args: []string{"1.5", "-0.25"}, expected: "1.25\n"},
		{args: []string{"1e308", "1e308"}, expected: "+Inf\n"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(strings.Join(tc.args, "+"), func(t *testing.T) {
			exitCode, stdout, _ := runMain(t, nil, append([]string{"add"}, tc.args...)...)
			require.Equal(t, 0, exitCode)
			require.Equal(t, tc.expected, stdout)
		})
	}
}

func TestAdd_Invalid(t *testing.T) {
	exitCode, stdout, stderr := runMain(t, nil, "add", "one", "2")
	require.Equal(t, 1, exitCode)
	require.Empty(t, stdout)
	require.Contains(t, stderr, `error: invalid A: strconv.ParseFloat: parsing "one": invalid syntax`)

	exitCode, _, stderr = runMain(t, nil, "add", "1")
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr, "error: accepts 2 arg(s), received 1")
}

func TestGreet(t *testing.T) {
	exitCode, stdout, stderr := runMain(t, nil, "greet", "Ada")
	require.Equal(t, 0, exitCode)
	require.Equal(t, "_name: Ada\nHello, Ada!\n", stdout)
	require.Empty(t, stderr)
}

func TestMallocStats(t *testing.T) {
	exitCode, stdout, _ := runMain(t, nil, "malloc-stats", "100", "4294967295")
	require.Equal(t, 0, exitCode)
	lines := strings.Split(stdout, "\n")
	require.True(t, strings.HasPrefix(lines[0], "malloc(100) = "), lines[0])
	require.Equal(t, "malloc(4294967295) = 0 (errno 48)", lines[1])
	require.Equal(t, "memory:        16777216", lines[2])
	require.Contains(t, stdout, "in use:")

	exitCode, _, stderr := runMain(t, nil, "malloc-stats", "-1")
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr, `invalid SIZE "-1"`)
}

func TestMaxCallDepth(t *testing.T) {
	t.Run("flag", func(t *testing.T) {
		exitCode, stdout, stderr := runMain(t, nil, "--max-call-depth", "2", "say-hello")
		require.Equal(t, 1, exitCode)
		require.Empty(t, stdout)
		require.Contains(t, stderr, "error: wasm runtime error: call stack exhausted")
		require.Contains(t, stderr, "sayHello\n")
	})

	t.Run("env", func(t *testing.T) {
		env := map[string]string{"UNWASM_MAX_CALL_DEPTH": "2"}
		exitCode, _, stderr := runMain(t, env, "say-hello")
		require.Equal(t, 1, exitCode)
		require.Contains(t, stderr, "call stack exhausted")
	})

	t.Run("flag overrides env", func(t *testing.T) {
		env := map[string]string{"UNWASM_MAX_CALL_DEPTH": "2"}
		exitCode, stdout, _ := runMain(t, env, "--max-call-depth", "100", "say-hello")
		require.Equal(t, 0, exitCode)
		require.Equal(t, "Hello, World!\n", stdout)
	})

	t.Run("invalid env", func(t *testing.T) {
		env := map[string]string{"UNWASM_MAX_CALL_DEPTH": "deep"}
		exitCode, _, stderr := runMain(t, env, "say-hello")
		require.Equal(t, 1, exitCode)
		require.Contains(t, stderr, "error: invalid environment: ")
	})
}

func TestMemoryMaxPages(t *testing.T) {
	exitCode, _, stderr := runMain(t, nil, "--memory-max-pages", "10", "say-hello")
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr, "error: module \"hello\": invalid memory limits: min=256 max=10\n")

	env := map[string]string{"UNWASM_MEMORY_MAX_PAGES": "256"}
	exitCode, stdout, _ := runMain(t, env, "malloc-stats", "33554432")
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout, "malloc(33554432) = 0 (errno 48)")
}

func TestLogLevel(t *testing.T) {
	exitCode, stdout, stderr := runMain(t, nil, "--log-level", "debug", "add", "1", "2")
	require.Equal(t, 0, exitCode)
	require.Equal(t, "3\n", stdout)
	require.Contains(t, stderr, "module instantiated")
	require.Contains(t, stderr, "--> hello.add(1,2)")
	require.Contains(t, stderr, "<-- 3")

	env := map[string]string{"UNWASM_LOG_LEVEL": "loud"}
	exitCode, _, stderr = runMain(t, env, "say-hello")
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr, `error: unrecognized level: "loud"`)
}

func TestVersion(t *testing.T) {
	// The environment is not read.
	env := map[string]string{"UNWASM_LOG_LEVEL": "loud"}
	exitCode, stdout, _ := runMain(t, env, "version")
	require.Equal(t, 0, exitCode)
	require.Equal(t, "dev\n", stdout)
}

func TestUnknownCommand(t *testing.T) {
	exitCode, _, stderr := runMain(t, nil, "run")
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr, `error: unknown command "run" for "unwasm"`)
}

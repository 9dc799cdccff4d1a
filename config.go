package unwasm

import (
	"io"

	"go.uber.org/zap"

	"github.com/unwasm/unwasm/experimental"
	"github.com/unwasm/unwasm/internal/hello"
	"github.com/unwasm/unwasm/internal/wasm"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig.
//
// RuntimeConfig is immutable: each With* method returns a new instance, so a config can be shared and specialized
// safely.
type RuntimeConfig struct {
	maxCallStackDepth int
	memoryMaxPages    uint32
	stdout, stderr    io.Writer
	logger            *zap.Logger
	listenerFactory   experimental.FunctionListenerFactory
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &RuntimeConfig{
	maxCallStackDepth: wasm.DefaultMaxCallStackDepth,
	memoryMaxPages:    hello.DefaultMemoryMaxPages,
	stdout:            io.Discard,
	stderr:            io.Discard,
}

// NewRuntimeConfig returns the default configuration: output is discarded and nothing is logged.
func NewRuntimeConfig() *RuntimeConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithMaxCallStackDepth limits the nesting of function calls in a module. A call deeper than this traps with
// wasmruntime.ErrRuntimeCallStackOverflow. Defaults to 500. Values below one are ignored.
func (c *RuntimeConfig) WithMaxCallStackDepth(depth int) *RuntimeConfig {
	ret := c.clone()
	if depth > 0 {
		ret.maxCallStackDepth = depth
	}
	return ret
}

// WithMemoryMaxPages limits the growth of memory, in pages of 64KiB. Defaults to 32768 pages (2GiB).
//
// Notes:
//   - A limit below the initial 256 pages fails Runtime.Instantiate.
//   - malloc returns zero with errno ENOMEM once the heap would exceed this.
func (c *RuntimeConfig) WithMemoryMaxPages(memoryMaxPages uint32) *RuntimeConfig {
	ret := c.clone()
	ret.memoryMaxPages = memoryMaxPages
	return ret
}

// WithStdout configures where the module's standard output (file descriptor 1) is written. Defaults to io.Discard.
//
// Note: The caller is responsible to close any io.Writer they supply.
func (c *RuntimeConfig) WithStdout(stdout io.Writer) *RuntimeConfig {
	ret := c.clone()
	if stdout == nil {
		stdout = io.Discard
	}
	ret.stdout = stdout
	return ret
}

// WithStderr configures where the module's standard error (file descriptor 2) is written. Defaults to io.Discard.
func (c *RuntimeConfig) WithStderr(stderr io.Writer) *RuntimeConfig {
	ret := c.clone()
	if stderr == nil {
		stderr = io.Discard
	}
	ret.stderr = stderr
	return ret
}

// WithLogger configures the logger of the runtime and its modules. Defaults to a no-op logger.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithFunctionListenerFactory observes the functions of modules instantiated afterwards: their exports and the
// functions reached through their table.
//
// See logging.NewLoggingListenerFactory
func (c *RuntimeConfig) WithFunctionListenerFactory(factory experimental.FunctionListenerFactory) *RuntimeConfig {
	ret := c.clone()
	ret.listenerFactory = factory
	return ret
}

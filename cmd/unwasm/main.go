package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mstoykov/envconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unwasm/unwasm"
	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/experimental/logging"
)

func main() {
	os.Exit(doMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

// doMain is separated out for the purpose of unit testing.
func doMain(ctx context.Context, args []string, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) int {
	c := newRootCommand(ctx, stdout, stderr, lookupEnv)
	c.cmd.SetArgs(args)
	err := c.cmd.Execute()
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if err != nil {
		printError(stderr, err)
		return 1
	}
	return 0
}

// envConfig is the configuration read from the environment. Flags override it.
type envConfig struct {
	MaxCallDepth   int    `envconfig:"UNWASM_MAX_CALL_DEPTH"`
	MemoryMaxPages uint32 `envconfig:"UNWASM_MEMORY_MAX_PAGES"`
	LogLevel       string `envconfig:"UNWASM_LOG_LEVEL"`
}

type rootCommand struct {
	ctx            context.Context
	cmd            *cobra.Command
	stdout, stderr io.Writer
	lookupEnv      func(string) (string, bool)

	maxCallDepth   int
	memoryMaxPages uint32
	logLevel       string

	logger *zap.Logger
	config *unwasm.RuntimeConfig
}

func newRootCommand(ctx context.Context, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) *rootCommand {
	c := &rootCommand{ctx: ctx, stdout: stdout, stderr: stderr, lookupEnv: lookupEnv}
	c.cmd = &cobra.Command{
		Use:               "unwasm",
		Short:             "runs the hello module translated from WebAssembly to Go",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetOut(stdout)
	c.cmd.SetErr(stderr)
	c.cmd.PersistentFlags().AddFlagSet(c.rootFlagSet())

	c.cmd.AddCommand(
		c.sayHelloCommand(),
		c.addCommand(),
		c.greetCommand(),
		c.mallocStatsCommand(),
		versionCommand(),
	)
	return c
}

func (c *rootCommand) rootFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.IntVar(&c.maxCallDepth, "max-call-depth", 500, "maximum nesting of calls before a trap. Env: UNWASM_MAX_CALL_DEPTH")
	flags.Uint32Var(&c.memoryMaxPages, "memory-max-pages", 32768, "maximum memory size in 64KiB pages. Env: UNWASM_MEMORY_MAX_PAGES")
	flags.StringVar(&c.logLevel, "log-level", "warn", "log level: debug, info, warn or error. Env: UNWASM_LOG_LEVEL")
	return flags
}

// persistentPreRunE applies the environment to every flag left unset, then builds the runtime configuration.
func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	var env envConfig
	if err := envconfig.Process("", &env, c.lookupEnv); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	flags := cmd.Flags()
	if !flags.Changed("max-call-depth") && env.MaxCallDepth != 0 {
		c.maxCallDepth = env.MaxCallDepth
	}
	if !flags.Changed("memory-max-pages") && env.MemoryMaxPages != 0 {
		c.memoryMaxPages = env.MemoryMaxPages
	}
	if !flags.Changed("log-level") && env.LogLevel != "" {
		c.logLevel = env.LogLevel
	}

	level, err := zapcore.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	c.logger = newLogger(c.stderr, level)

	c.config = unwasm.NewRuntimeConfig().
		WithMaxCallStackDepth(c.maxCallDepth).
		WithMemoryMaxPages(c.memoryMaxPages).
		WithStdout(c.stdout).
		WithStderr(c.stderr).
		WithLogger(c.logger)
	if level == zapcore.DebugLevel {
		c.config = c.config.WithFunctionListenerFactory(logging.NewLoggingListenerFactory(c.logger))
	}
	return nil
}

func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core)
}

// withModule instantiates a module, passes it to fn and closes the runtime.
func (c *rootCommand) withModule(fn func(unwasm.Module) error) (err error) {
	r := unwasm.NewRuntime(c.config)
	defer func() {
		if closeErr := r.Close(c.ctx); err == nil {
			err = closeErr
		}
	}()

	mod, err := r.Instantiate(c.ctx)
	if err != nil {
		return err
	}
	return fn(mod)
}

func (c *rootCommand) call(mod unwasm.Module, name string, params ...uint64) ([]uint64, error) {
	return mod.ExportedFunction(name).Call(c.ctx, params...)
}

func (c *rootCommand) sayHelloCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "say-hello",
		Short: "prints a greeting to the world",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.withModule(func(mod unwasm.Module) error {
				if _, err := c.call(mod, "sayHello"); err != nil {
					return err
				}
				_, err := c.call(mod, "fflush", 0)
				return err
			})
		},
	}
}

func (c *rootCommand) addCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add A B",
		Short: "adds two numbers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid A: %w", err)
			}
			b, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid B: %w", err)
			}
			return c.withModule(func(mod unwasm.Module) error {
				results, err := c.call(mod, "add", api.EncodeF64(a), api.EncodeF64(b))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(api.DecodeF64(results[0]), 'g', -1, 64))
				return nil
			})
		},
	}
}

func (c *rootCommand) greetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "greet NAME",
		Short: "greets NAME, printing the name first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return c.withModule(func(mod unwasm.Module) error {
				results, err := c.call(mod, "malloc", uint64(len(name)+1))
				if err != nil {
					return err
				}
				namePtr := uint32(results[0])
				if namePtr == 0 {
					return fmt.Errorf("malloc(%d) failed: errno %d", len(name)+1, mod.Errno())
				}
				mem := mod.Memory()
				mem.WriteString(namePtr, name)
				mem.WriteByte(namePtr+uint32(len(name)), 0)

				if results, err = c.call(mod, "greet", uint64(namePtr)); err != nil {
					return err
				}
				greeting := uint32(results[0])
				if _, err = c.call(mod, "fflush", 0); err != nil {
					return err
				}

				end, ok := mem.IndexByte(greeting, 0)
				if !ok {
					return fmt.Errorf("unterminated greeting at %d", greeting)
				}
				b, _ := mem.Read(greeting, end-greeting)
				fmt.Fprintln(cmd.OutOrStdout(), string(b))

				if _, err = c.call(mod, "free", uint64(greeting)); err != nil {
					return err
				}
				_, err = c.call(mod, "free", uint64(namePtr))
				return err
			})
		},
	}
}

func (c *rootCommand) mallocStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "malloc-stats [SIZE...]",
		Short: "allocates each SIZE and prints the heap statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes := make([]uint64, 0, len(args))
			for _, arg := range args {
				size, err := strconv.ParseUint(arg, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid SIZE %q: %w", arg, err)
				}
				sizes = append(sizes, size)
			}
			return c.withModule(func(mod unwasm.Module) error {
				out := cmd.OutOrStdout()
				for _, size := range sizes {
					results, err := c.call(mod, "malloc", size)
					if err != nil {
						return err
					}
					if results[0] == 0 {
						fmt.Fprintf(out, "malloc(%d) = 0 (errno %d)\n", size, mod.Errno())
					} else {
						fmt.Fprintf(out, "malloc(%d) = %d\n", size, results[0])
					}
				}
				printStats(out, mod.HeapStats(), mod.Memory().Size())
				return nil
			})
		},
	}
}

func printStats(w io.Writer, s unwasm.HeapStats, memorySize uint32) {
	fmt.Fprintf(w, "memory:        %d\n", memorySize)
	fmt.Fprintf(w, "footprint:     %d\n", s.Footprint)
	fmt.Fprintf(w, "max footprint: %d\n", s.MaxFootprint)
	fmt.Fprintf(w, "arena:         %d\n", s.Arena)
	fmt.Fprintf(w, "in use:        %d\n", s.InUse)
	fmt.Fprintf(w, "free:          %d\n", s.Free)
	fmt.Fprintf(w, "free chunks:   %d\n", s.FreeChunks)
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "prints the version",
		Args:  cobra.NoArgs,
		// Skips the root configuration.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version())
		},
	}
}

// version returns the module version embedded in the binary, or "dev".
func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// printError writes err to w, in red when w is a terminal.
func printError(w io.Writer, err error) {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		red := color.New(color.FgRed)
		red.EnableColor()
		red.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/jit"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "jitasm: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	cfg    config.Config
	color  bool
	stdout io.Writer
	log    *slog.Logger
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("jitasm", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML configuration file")
	arch := fs.String("arch", "", "Target architecture (host, x86_64, arm64)")
	regs := fs.Int("regs", -1, "Number of allocatable registers, 0 for all")
	execMem := fs.String("exec-mem", "", "Size of the executable memory region, e.g. 16MiB")
	colorMode := fs.String("color", "auto", "Colour output: auto, always or never")
	verbose := fs.Bool("v", false, "Log at debug level")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: jitasm [flags] <command> [args...]\n\n")
		fmt.Fprintf(stderr, "Encode, run and benchmark small programs with the JIT backend.\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  list                      list the built-in programs\n")
		fmt.Fprintf(stderr, "  encode <program>          print the machine code of a program\n")
		fmt.Fprintf(stderr, "  run <program> [args...]   compile a program for the host and call it\n")
		fmt.Fprintf(stderr, "  bench [-n N] <program>    compile a program repeatedly\n")
		fmt.Fprintf(stderr, "  config                    print the effective configuration\n")
		fmt.Fprintf(stderr, "\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *arch != "" {
		cfg.Arch = *arch
	}
	if *regs >= 0 {
		cfg.NumRegs = *regs
	}
	if *execMem != "" {
		n, err := units.RAMInBytes(*execMem)
		if err != nil {
			return fmt.Errorf("invalid -exec-mem %q: %w", *execMem, err)
		}
		cfg.ExecMemory = config.Size(n)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}

	color, err := useColor(*colorMode, stdout)
	if err != nil {
		return err
	}

	opts := options{
		cfg:    cfg,
		color:  color,
		stdout: stdout,
		log:    slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("command required")
	}
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "list":
		return listPrograms(stdout)
	case "config":
		data, err := cfg.Encode()
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	case "encode":
		return encode(opts, cmdArgs)
	case "run":
		return runProgram(opts, cmdArgs)
	case "bench":
		return bench(opts, cmdArgs, stderr)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func useColor(mode string, w io.Writer) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto":
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd())), nil
	default:
		return false, fmt.Errorf("invalid -color %q", mode)
	}
}

func listPrograms(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range programs {
		fmt.Fprintf(tw, "%s\t%d args\t%s\n", p.name, p.arity, p.help)
	}
	return tw.Flush()
}

func newRuntime(opts options, execute bool) (*jit.Runtime, error) {
	runtimeOpts := []jit.Option{jit.WithLogger(opts.log)}
	if !execute {
		runtimeOpts = append(runtimeOpts, jit.WithoutExecution())
	}
	r := jit.New(opts.cfg, runtimeOpts...)
	if err := r.Init(); err != nil {
		return nil, err
	}
	return r, nil
}

func compileProgram(r *jit.Runtime, p program, name string) (*jit.Code, error) {
	args := argRegs(r.Encoder().ArgumentRegisters())
	if p.arity > len(args) {
		return nil, fmt.Errorf("%s needs %d arguments, %s passes %d in registers", p.name, p.arity, r.Architecture(), len(args))
	}
	return r.Compile(name, func(a *ir.Assembler) {
		p.build(a, args[:p.arity])
	})
}

func encode(opts options, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: encode <program>")
	}
	p, err := lookupProgram(args[0])
	if err != nil {
		return err
	}

	opts.cfg.Comments = true
	r, err := newRuntime(opts, false)
	if err != nil {
		return err
	}
	defer r.Close()

	code, err := compileProgram(r, p, p.name)
	if err != nil {
		return err
	}
	data, err := code.Bytes()
	if err != nil {
		return err
	}

	comments := make(map[int][]string)
	for off, texts := range code.Comments() {
		comments[off] = texts
	}

	d := dumper{w: opts.stdout, color: opts.color}
	d.header("%s (%s, %d bytes)", p.name, r.Architecture(), len(data))
	d.dump(data, code.Entry, comments)
	return nil
}

func runProgram(opts options, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: run <program> [args...]")
	}
	p, err := lookupProgram(args[0])
	if err != nil {
		return err
	}
	values := args[1:]
	if want := p.arity - len(p.scratch); len(values) != want {
		return fmt.Errorf("%s takes %d arguments, got %d", p.name, want, len(values))
	}

	r, err := newRuntime(opts, true)
	if err != nil {
		return err
	}
	defer r.Close()
	if !r.Executable() {
		return fmt.Errorf("cannot run %s code on this host", r.Architecture())
	}

	code, err := compileProgram(r, p, p.name)
	if err != nil {
		return err
	}

	cells := make([]uint64, len(p.scratch))
	callArgs := make([]uintptr, p.arity)
	for i, idx := range p.scratch {
		callArgs[idx] = uintptr(unsafe.Pointer(&cells[i]))
	}
	next := 0
	for i := range callArgs {
		if callArgs[i] != 0 {
			continue
		}
		v, err := strconv.ParseInt(values[next], 0, 64)
		if err != nil {
			return fmt.Errorf("argument %d: %w", next+1, err)
		}
		callArgs[i] = uintptr(v)
		next++
	}

	ret, err := code.Call(callArgs...)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.stdout, "%d (%#x)\n", int64(ret), uint64(ret))
	for i, idx := range p.scratch {
		fmt.Fprintf(opts.stdout, "arg%d cell: %d (%#x)\n", idx, int64(cells[i]), cells[i])
	}
	return nil
}

func bench(opts options, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 10000, "Number of units to compile")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: bench [-n N] <program>")
	}
	p, err := lookupProgram(fs.Arg(0))
	if err != nil {
		return err
	}

	r, err := newRuntime(opts, true)
	if err != nil {
		return err
	}
	defer r.Close()

	pb := progressbar.Default(int64(*n), "compiling "+p.name)
	defer pb.Close()

	start := time.Now()
	compiled := 0
	for i := range *n {
		if _, err := compileProgram(r, p, fmt.Sprintf("%s_%d", p.name, i)); err != nil {
			if errors.Is(err, jit.ErrCouldNotCompile) {
				break
			}
			return err
		}
		compiled++
		pb.Add(1)
	}
	elapsed := time.Since(start)
	pb.Finish()

	stats := r.Stats()
	fmt.Fprintf(opts.stdout, "compiled %d/%d units, %s of %s in %v",
		compiled, *n, units.BytesSize(float64(r.Used())), opts.cfg.ExecMemory, elapsed.Round(time.Microsecond))
	if compiled > 0 {
		fmt.Fprintf(opts.stdout, " (%v per unit)", (elapsed / time.Duration(compiled)).Round(time.Nanosecond))
	}
	fmt.Fprintln(opts.stdout)
	if stats.Fallbacks > 0 {
		fmt.Fprintf(opts.stdout, "executable memory full after %d units\n", compiled)
	}
	r.LogStats()
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/itamar567/os/build"
	"github.com/sirupsen/logrus"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kernimg] error: %s\n", err.Error())
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: kernimg [flags] command [command flags]

Commands:
  header [-format object|nasm|raw] [-o file]  emit the multiboot2 header
  layout [-o file]                            emit the linker script
  build                                       link the kernel image
  iso                                         build the bootable ISO
  disk                                        create the auxiliary disk image
  run [-wait-gdb]                             boot the ISO in the emulator
  debug                                       attach gdb to a waiting emulator
  verify binary                               check a linked kernel image
  clean                                       remove build outputs

Flags:
`)
	flag.PrintDefaults()
}

type options struct {
	configFile string
	arch       string
	outDir     string
	verbose    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", build.DefaultConfigFile, "build configuration file")
	flag.StringVar(&opts.arch, "arch", "", "target architecture ("+strings.Join(build.ArchNames(), ", ")+")")
	flag.StringVar(&opts.outDir, "out", "", "output directory")
	flag.BoolVar(&opts.verbose, "v", false, "log tool invocations and output")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		exit(errors.New("missing command"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := runCommand(ctx, opts, flag.Arg(0), flag.Args()[1:]); err != nil {
		exit(err)
	}
}

func newLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func loadConfig(opts options) (*build.Config, error) {
	cfg, err := build.LoadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.arch != "" {
		cfg.Arch = opts.arch
	}
	if opts.outDir != "" {
		cfg.OutDir = opts.outDir
	}
	return cfg, cfg.Validate()
}

func runCommand(ctx context.Context, opts options, cmd string, args []string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if cmd == "layout" {
		return layoutCmd(cfg, args)
	}

	b, err := build.New(cfg, newLogger(opts.verbose))
	if err != nil {
		return err
	}

	switch cmd {
	case "header":
		return headerCmd(b, cfg, args)
	case "build":
		return b.Kernel(ctx)
	case "iso":
		return b.ISO(ctx)
	case "disk":
		return b.Disk(ctx)
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		waitGDB := fs.Bool("wait-gdb", false, "start halted and wait for a debugger")
		fs.Parse(args)
		return b.Run(ctx, *waitGDB)
	case "debug":
		return b.Debug(ctx)
	case "verify":
		if len(args) != 1 {
			return errors.New("verify requires the path to a kernel image as an argument")
		}
		return verifyCmd(b, args[0])
	case "clean":
		return b.Clean()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func headerCmd(b *build.Builder, cfg *build.Config, args []string) error {
	fs := flag.NewFlagSet("header", flag.ExitOnError)
	format := fs.String("format", cfg.Header.Format, "output format: object, nasm or raw")
	out := fs.String("o", "", "output file (default stdout)")
	fs.Parse(args)

	h, err := cfg.MultibootHeader()
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case build.FormatObject:
		data, err = build.HeaderObject(h, b.Arch().Machine)
	case build.FormatNASM:
		data, err = build.HeaderSource(h)
	case "raw":
		data, err = h.MarshalBinary()
	default:
		return fmt.Errorf("unknown header format %q", *format)
	}
	if err != nil {
		return err
	}

	return writeOutput(*out, data)
}

func layoutCmd(cfg *build.Config, args []string) error {
	fs := flag.NewFlagSet("layout", flag.ExitOnError)
	out := fs.String("o", "", "output file (default stdout)")
	fs.Parse(args)

	l, err := cfg.Layout()
	if err != nil {
		return err
	}
	script, err := l.Script()
	if err != nil {
		return err
	}

	return writeOutput(*out, script)
}

func verifyCmd(b *build.Builder, path string) error {
	r, err := b.Verify(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s: ok\n", path)
	fmt.Printf("  machine:       %s\n", r.Machine)
	fmt.Printf("  entry:         %#x\n", r.Entry)
	fmt.Printf("  header offset: %#x\n", r.HeaderOffset)
	fmt.Printf("  header addr:   %#x\n", r.HeaderAddr)
	fmt.Printf("  header length: %d\n", r.HeaderLength)
	for _, tag := range r.Header.Tags {
		fmt.Printf("  tag:           %s (flags %#x, %d payload bytes)\n", tag.Type(), uint16(tag.Flags()), len(tag.Payload()))
	}
	return nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

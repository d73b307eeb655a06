// Command uhyve runs a unikernel image directly on the host hypervisor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/uhyve/internal/config"
	"github.com/tinyrange/uhyve/internal/hv/factory"
	"github.com/tinyrange/uhyve/internal/hypercall"
	"github.com/tinyrange/uhyve/internal/vmm"
	"golang.org/x/term"
)

func main() {
	err := run(os.Args[1:], os.LookupEnv)

	var exitErr *hypercall.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps the result of run to the process status. A guest exit
// hypercall passes its status through; any other failure is 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *hypercall.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Status
	}
	return 1
}

type options struct {
	kernel string
	cfg    config.Config
}

// parseArgs resolves the configuration. Flags given on the command line
// override the environment, which overrides the config file.
func parseArgs(args []string, lookup func(string) (string, bool)) (options, error) {
	fs := flag.NewFlagSet("uhyve", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML configuration file (default: $HERMIT_CONFIG)")
	mem := fs.String("mem", "", "Guest memory size, e.g. 512M or 1G (default: $HERMIT_MEM or 512M)")
	cpus := fs.Int("cpus", 0, "Number of guest cores (default: $HERMIT_CPUS or 1)")
	verbose := fs.Bool("verbose", false, "Dump the guest kernel log on exit")
	netIf := fs.String("netif", "", "Host tap interface for the guest network")
	pcapFile := fs.String("pcap", "", "Write guest network frames to this pcap file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: uhyve [flags] <kernel>\n\n")
		fmt.Fprintf(fs.Output(), "Boot a unikernel ELF image in a hardware virtual machine.\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return options{}, fmt.Errorf("exactly one kernel image required")
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		return options{}, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mem":
			size, err := config.ParseMemorySize(*mem)
			if err != nil {
				flagErr = fmt.Errorf("-mem: %w", err)
				return
			}
			cfg.MemorySize = size
		case "cpus":
			cfg.CPUs = *cpus
		case "verbose":
			cfg.Verbose = *verbose
		case "netif":
			cfg.NetIf = *netIf
		case "pcap":
			cfg.PcapFile = *pcapFile
		case "debug":
			cfg.Debug = *debug
		}
	})
	if flagErr != nil {
		return options{}, flagErr
	}

	if err := cfg.Validate(); err != nil {
		return options{}, err
	}

	return options{kernel: fs.Arg(0), cfg: cfg}, nil
}

func run(args []string, lookup func(string) (string, bool)) error {
	opts, err := parseArgs(args, lookup)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg := opts.cfg

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: level},
	)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// restore default handling so a second signal kills the process
	context.AfterFunc(ctx, stop)

	h, err := factory.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	net, closeNet, err := openNetwork(cfg)
	if err != nil {
		return err
	}
	defer closeNet()

	vcfg := vmm.Config{
		Kernel:     opts.kernel,
		MemorySize: cfg.MemorySize,
		CPUs:       cfg.CPUs,
		Verbose:    cfg.Verbose,
		Net:        net,
		Console:    os.Stdout,
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		vcfg.Load.NewProgress = func(total int64) io.Writer {
			bar = progressbar.DefaultBytes(total, "load "+filepath.Base(opts.kernel))
			return bar
		}
	}

	m, err := vmm.New(h, vcfg)
	if bar != nil {
		bar.Close()
	}
	if err != nil {
		return err
	}
	defer m.Close()

	slog.Debug("booting guest",
		"kernel", opts.kernel,
		"cpus", cfg.CPUs,
		"memory", cfg.MemorySize,
		"netif", cfg.NetIf,
	)

	if err := m.Run(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted: %w", err)
		}
		return err
	}

	return nil
}

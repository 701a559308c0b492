package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"strideos/pkg/config"
	"strideos/pkg/kernel"
	"strideos/pkg/loader"
	"strideos/pkg/logger"
	"strideos/pkg/mm"
)

var (
	configPath  = flag.String("config", "", "path to a JSON config file")
	interactive = flag.Bool("interactive", false, "drive the kernel one key at a time")
	rounds      = flag.Int("rounds", 700, "scheduling rounds of the stride demo")
)

// Built-in programs. The kernel only needs their bytes; the demo plays the
// part of the code they would run.
var builtins = map[string][]byte{
	"initproc": program(0x01),
	"worker":   program(0x02),
}

func program(tag byte) []byte {
	image := make([]byte, mm.PageSize)
	image[0] = tag
	return image
}

func main() {
	flag.Parse()
	if err := run(*configPath, *interactive, *rounds, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run boots the kernel and drives the demos, writing their report to out.
// The log file is closed on every return.
func run(cfgPath string, interactive bool, rounds int, out io.Writer) (err error) {
	cfg := config.Default()
	if cfgPath != "" {
		if cfg, err = config.Load(cfgPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	level, err := cfg.Level()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logs, closeLog, err := logger.Setup(cfg.LogFile, level, false, cfg.PrettyLog)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() {
		err = errors.Join(err, closeLog())
	}()

	apps := loader.NewRegistry()
	for name, image := range builtins {
		apps.Add(name, image)
	}
	if cfg.AppsDir != "" {
		if _, err := apps.LoadDir(cfg.AppsDir); err != nil {
			return fmt.Errorf("failed to load apps: %w", err)
		}
	}

	k, err := kernel.New(cfg, kernel.WithLoader(apps), kernel.WithLogger(logs), kernel.WithConsole(out))
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	if err := k.Boot(cfg.InitProc); err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}
	fmt.Fprintf(out, "Booted %s as PID %d\n", cfg.InitProc, k.Getpid())

	if interactive {
		if err := runInteractive(k); err != nil {
			return fmt.Errorf("interactive session failed: %w", err)
		}
		return nil
	}

	fmt.Fprintln(out, "\n--- Stride Scheduling ---")
	picks, err := runShareDemo(k, []int64{2, 4, 8}, rounds)
	if err != nil {
		return fmt.Errorf("share demo failed: %w", err)
	}
	for _, p := range picks {
		fmt.Fprintf(out, "PID %d priority %d: picked %d times\n", p.pid, p.priority, p.picks)
	}

	fmt.Fprintln(out, "\n--- Fork and Wait ---")
	if err := runForkDemo(k, out); err != nil {
		return fmt.Errorf("fork demo failed: %w", err)
	}

	sys(k, sysExit, 0)
	fmt.Fprintf(out, "\nKernel halted: %v (code %d)\n", k.Halted(), k.HaltCode())
	return nil
}

// evtrackctl inspects and maintains a local evtrack data directory.
//
// With arguments it runs one command and exits. Without arguments it starts
// an interactive shell when stdin is a terminal, and otherwise reads one
// command per line from stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/shell"
	"github.com/xtxerr/evtrack/internal/storage"
	"github.com/xtxerr/evtrack/internal/storage/config"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, shell.ErrExit) {
		fmt.Fprintf(os.Stderr, "evtrackctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	verbose := flag.Bool("v", false, "log pipeline activity")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: evtrackctl [flags] [command [args...]]\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nRun evtrackctl help for the command list.\n")
	}
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.DefaultConfig()
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	level := slog.LevelError
	if *verbose {
		level = logging.ParseLevel(cfg.Log.Level)
	}
	logging.InitWriter(os.Stderr, level, false)

	svc, err := storage.New(cfg, storage.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}
	defer svc.Stop()

	if err := svc.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sh := shell.New(svc, os.Stdout)

	switch {
	case flag.NArg() > 0:
		return sh.Execute(ctx, strings.Join(flag.Args(), " "))
	case term.IsTerminal(int(os.Stdin.Fd())):
		sh.Interactive(ctx)
		return nil
	default:
		return sh.RunScript(ctx, os.Stdin)
	}
}

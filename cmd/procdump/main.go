// Command procdump is a Linux process-diagnostic agent modeled on
// Sysinternals ProcDump: it watches one or more target processes and
// captures a core dump when a configured resource-pressure condition or
// signal occurs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tripwire/procdump/internal/config"
	"github.com/tripwire/procdump/internal/diag"
	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/fleet"
	"github.com/tripwire/procdump/internal/procfs"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args, os.Stderr)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, cfgErr.Error())
		}
		return -1
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	writer := dumpwriter.New()
	if cfg.DiagnosticsLog {
		logPath := filepath.Join(cfg.DumpDir, "procdump_diag.log")
		logger, err := diag.Open(logPath)
		if err != nil {
			log.Error("failed to open diagnostics log", "err", err)
			return -1
		}
		defer logger.Close()
		writer.SetDiagLogger(logger)
	}

	coord := fleet.New(cfg, procfs.Default, writer, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go watchStatusSignal(coord, log)

	if err := coord.Run(ctx); err != nil {
		log.Error("fleet coordinator exited with error", "err", err)
		return 1
	}
	return 0
}

// watchStatusSignal prints a health snapshot on SIGUSR1, standing in for
// the remote healthz endpoint this agent does not expose (no control
// plane is in scope).
func watchStatusSignal(coord *fleet.Coordinator, log *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		status := coord.Status()
		log.Info("status snapshot", "targets", status.Targets)
	}
}

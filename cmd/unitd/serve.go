package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/unitd/internal/config"
	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/health"
	"github.com/loykin/unitd/internal/history/clickhouse"
	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/server"
	"github.com/loykin/unitd/internal/socket"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/store/factory"
)

const defaultHistoryTable = "unitd_events"

// ServeFlags holds the daemon command flags.
type ServeFlags struct {
	ConfigPath string
}

func createServeCommand() *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(f.ConfigPath)
		},
	}
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "", "daemon configuration file (YAML)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.LoadDaemon(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := cfg.Log.New()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	st, err := factory.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	exec := executor.NewOS()
	mgr := manager.New(st, exec, health.NewProbeChecker(), log, manager.Config{
		LogDir:      cfg.LogDir,
		RuntimeRoot: cfg.RuntimeRoot,
	})
	defer mgr.Shutdown()

	if cfg.History.ClickhouseDSN != "" {
		table := cfg.History.Table
		if table == "" {
			table = defaultHistoryTable
		}
		sink, err := clickhouse.New(cfg.History.ClickhouseDSN, table)
		if err != nil {
			return fmt.Errorf("init history sink: %w", err)
		}
		defer func() { _ = sink.Close() }()
		mgr.SetHistorySinks(sink)
	}

	if err := reconcile(ctx, st, exec, log); err != nil {
		return fmt.Errorf("reconcile stored state: %w", err)
	}
	if err := loadDefinitions(ctx, mgr, cfg.ProcessDir, log); err != nil {
		return err
	}

	act := socket.NewActivator(mgr, log)
	defer func() { _ = act.Close() }()
	socks, err := config.LoadSockets(cfg.ProcessDir)
	if err != nil {
		return fmt.Errorf("load sockets: %w", err)
	}
	for _, sc := range socks {
		s, err := act.Add(sc)
		if err != nil {
			return fmt.Errorf("socket %s: %w", sc.Name, err)
		}
		log.Info("socket armed", "socket", sc.Name, "service", sc.Service, "addr", s.Addr())
	}

	srv, err := server.NewServer(cfg.Listen, "", mgr)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("unitd listening", "addr", cfg.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// loadDefinitions registers the process files from the configured directory.
// Definitions already present in the store keep their stored form; the files
// are the initial seed, the API is the source of later edits.
func loadDefinitions(ctx context.Context, mgr *manager.Manager, dir string, log *slog.Logger) error {
	procs, err := config.LoadProcesses(dir)
	if err != nil {
		return fmt.Errorf("load process files: %w", err)
	}
	for _, p := range procs {
		if _, err := mgr.Create(ctx, p); err != nil {
			if errors.Is(err, process.ErrDuplicate) {
				log.Debug("process already registered", "process", p.Name)
				continue
			}
			return fmt.Errorf("register %s: %w", p.Name, err)
		}
		log.Info("process registered from file", "process", p.Name)
	}
	return nil
}

// reconcile settles processes the previous daemon run left in a non-terminal
// state. A recorded pid that is gone becomes Crashed or Stopped; a pid that
// still runs is noted but left alone, the child is not ours to re-adopt.
func reconcile(ctx context.Context, st store.Store, exec executor.Executor, log *slog.Logger) error {
	all, err := st.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, p := range all {
		switch p.State {
		case process.StateRunning, process.StateStarting, process.StateStopping:
		default:
			continue
		}
		if p.PID > 0 && exec.IsRunning(p.PID) {
			log.Warn("process survived daemon restart, leaving it unsupervised",
				"process", p.Name, "pid", p.PID)
			continue
		}
		var err error
		switch p.State {
		case process.StateRunning:
			err = p.MarkCrashed()
		case process.StateStarting:
			err = p.MarkFailed()
		case process.StateStopping:
			err = p.MarkStopped()
		}
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", p.Name, err)
		}
		if _, err := st.Save(ctx, p); err != nil {
			return fmt.Errorf("reconcile %s: %w", p.Name, err)
		}
		log.Info("reconciled stale process state", "process", p.Name, "state", string(p.State))
	}
	return nil
}

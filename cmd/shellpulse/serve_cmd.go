//go:build !windows
// +build !windows

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/shellpulse/internal/config"
	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/monitor"
	"github.com/asheshgoplani/shellpulse/internal/ptyhost"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
	"github.com/asheshgoplani/shellpulse/internal/web"
)

var serveLog = logging.ForComponent(logging.CompSession)

const shutdownTimeout = 5 * time.Second

func handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", "", "Listen address (default from config, else 127.0.0.1:8420)")
	token := fs.String("token", "", "Bearer token for API/WS access")
	readOnly := fs.Bool("read-only", false, "Reject input and mutating requests")
	debug := fs.Bool("debug", false, "Write debug.log in the config directory")

	fs.Usage = func() {
		fmt.Println("Usage: shellpulse serve [options]")
		fmt.Println()
		fmt.Println("Host shell sessions, classify their activity and serve the web API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	logging.Init(cfg.LogConfig(dir, *debug))
	defer logging.Shutdown()

	rules, err := cfg.StatusRules()
	if err != nil {
		return fmt.Errorf("status patterns: %w", err)
	}

	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if n, err := db.MarkOrphanedRuns("server restarted"); err != nil {
		serveLog.Warn("orphaned_runs_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		serveLog.Info("orphaned_runs_closed", slog.Int64("count", n))
	}
	if err := db.ClearSessionStates(); err != nil {
		serveLog.Warn("clear_session_states_failed", slog.String("error", err.Error()))
	}
	defs, err := mergeServices(db, cfg.ServiceDefinitions())
	if err != nil {
		return err
	}

	host := ptyhost.New(ptyhost.Options{Shell: cfg.Shell()})
	mon, err := monitor.New(monitor.Config{
		Host:           host,
		Store:          db,
		Rules:          rules,
		Status:         cfg.StatusOptions(),
		Binder:         cfg.BinderOptions(),
		RenderMaxBytes: cfg.RenderMaxBytes(),
		OutputFlush:    cfg.OutputFlushInterval(),
		OutputMaxBytes: cfg.OutputMaxBytes(),
		GracefulStop:   cfg.GracefulStopTimeout(),
		Services:       defs,
	})
	if err != nil {
		return err
	}
	host.SetSink(mon)

	webCfg := web.Config{
		ListenAddr: cfg.WebListen(),
		ReadOnly:   cfg.Web.ReadOnly || *readOnly,
		Token:      cfg.Web.Token,
		Version:    Version,
	}
	webCfg.InputRate, webCfg.InputBurst = cfg.WebInputLimits()
	if *listen != "" {
		webCfg.ListenAddr = *listen
	}
	if *token != "" {
		webCfg.Token = *token
	}
	server := web.NewServer(webCfg, mon)

	configPath, err := config.Path()
	if err != nil {
		return err
	}
	watcher, err := config.NewWatcher(configPath, func(c *config.Config, err error) {
		if err != nil {
			return
		}
		r, err := c.StatusRules()
		if err != nil {
			serveLog.Warn("status_rules_invalid", slog.String("error", err.Error()))
			return
		}
		mon.SetRules(r)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mon.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			serveLog.Warn("config_watcher_stopped", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		host.Close()
		return err
	})

	fmt.Printf("shellpulse v%s listening on http://%s\n", Version, webCfg.ListenAddr)
	serveLog.Info("serve_started",
		slog.String("listen", webCfg.ListenAddr),
		slog.Int("services", len(defs)),
		slog.String("dir", dir),
	)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		if dumpErr := logging.DumpRingBuffer(filepath.Join(dir, "crash.log")); dumpErr != nil {
			serveLog.Warn("ring_dump_failed", slog.String("error", dumpErr.Error()))
		}
		return err
	}
	serveLog.Info("serve_stopped")
	return nil
}

// mergeServices combines stored definitions with the ones seeded in
// config.toml. A config entry replaces a stored one with the same id and is
// written back so run history keeps its foreign key.
func mergeServices(db *statedb.StateDB, seeded []service.Definition) ([]service.Definition, error) {
	rows, err := db.LoadServices()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(rows))
	defs := make([]service.Definition, 0, len(rows)+len(seeded))
	for _, r := range rows {
		byID[r.ID] = len(defs)
		defs = append(defs, monitor.DefinitionFromRow(r))
	}
	for _, d := range seeded {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("config service %s: %w", d.ID, err)
		}
		if i, ok := byID[d.ID]; ok {
			d.CreatedAt = defs[i].CreatedAt
			defs[i] = d
		} else {
			byID[d.ID] = len(defs)
			defs = append(defs, d)
		}
		if err := db.SaveService(&statedb.ServiceRow{
			ID:            d.ID,
			DisplayName:   d.DisplayName,
			LaunchCommand: d.LaunchCommand,
			WorkingDir:    d.WorkingDir,
			Color:         d.Color,
			LinkedName:    d.LinkedName,
			CreatedAt:     d.CreatedAt,
		}); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/ctl"
	"github.com/mtzanidakis/archon/internal/eventbus"
	"github.com/mtzanidakis/archon/internal/notify"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/scheduler"
	"github.com/mtzanidakis/archon/internal/secrets"
	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
	"github.com/mtzanidakis/archon/internal/web"
)

var version = "dev"

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "version":
		fmt.Printf("archon %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: archon <command>\n\nCommands:\n  serve      Start the archon daemon (default)\n  backup     Archive the data directory\n  version    Print version\n")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting archon", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := eventbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := eventbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()
	pub := eventbus.NewPublisher(client)

	// Vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, secret references disabled")
	}
	resolver := secrets.NewResolver(db, v)

	// Orchestrator with agents and workflows from config and store
	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
		EnableLogging:      cfg.Orchestrator.EnableLogging,
		AutoRetry:          cfg.Orchestrator.AutoRetry,
	})
	orch.SetPublisher(pub)

	agents, err := buildAgents(cfg, resolver)
	if err != nil {
		return fmt.Errorf("build agents: %w", err)
	}
	if err := orch.RegisterAgents(agents); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	slog.Info("agents registered", "count", len(agents))

	if err := registerWorkflows(orch, db, cfg); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}
	if err := seedSchedules(db, cfg); err != nil {
		return fmt.Errorf("seed schedules: %w", err)
	}

	// Scheduler
	sched := scheduler.New(db, orch, pub, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started", "poll_interval", cfg.Scheduler.PollInterval)

	// Control service
	ctlSvc := ctl.New(orch, db, sched, resolver)
	if err := ctlSvc.Start(ctx, client); err != nil {
		return fmt.Errorf("start ctl service: %w", err)
	}
	defer ctlSvc.Stop()

	// Web UI + API
	if cfg.Web.Enabled {
		srv := web.NewServer(orch, db, sched, v, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Telegram notifier
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		if err := notifier.Start(ctx, client); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		defer notifier.Stop()
		slog.Info("telegram notifier started")
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.ShutdownAll(shutdownCtx); err != nil {
		slog.Warn("agent shutdown reported errors", "error", err)
	}
	return nil
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arclance/conductor/pkg/checkpoint"
	"github.com/arclance/conductor/pkg/config"
	"github.com/arclance/conductor/pkg/heartbeat"
	"github.com/arclance/conductor/pkg/launcher"
	"github.com/arclance/conductor/pkg/logger"
	"github.com/arclance/conductor/pkg/notify"
	"github.com/arclance/conductor/pkg/observability"
	"github.com/arclance/conductor/pkg/store"
	"github.com/arclance/conductor/pkg/supervisor"
	"github.com/arclance/conductor/pkg/toolsurface"
)

// ServeCmd runs the orchestrator: loads config and roster, opens the
// State Store, starts the MCP tool surface, and drives the Supervisor
// loop until shutdown.
type ServeCmd struct {
	Config                string `short:"c" help:"Path to the orchestrator config file." default:"conductor.yaml"`
	RosterOverride         string `name:"roster" help:"Override the roster file path from config."`
	WorkerCommandOverride  string `name:"worker-command" help:"Override the worker command from config."`
	Metrics                bool   `help:"Expose a Prometheus /metrics endpoint alongside the MCP surface."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("serve: parse log level: %w", err)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)
	log := logger.GetLogger()

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	rosterPath := cfg.RosterPath
	if c.RosterOverride != "" {
		rosterPath = c.RosterOverride
	}
	ros, err := config.LoadRoster(rosterPath)
	if err != nil {
		return fmt.Errorf("serve: load roster: %w", err)
	}
	if watcher, err := config.WatchRoster(rosterPath, log); err != nil {
		log.Warn("roster file watch unavailable", "path", rosterPath, "error", err)
	} else {
		defer watcher.Close()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("serve: create data dir: %w", err)
	}

	dsn := cfg.StorageDSN
	if cfg.StorageDialect == "sqlite" && dsn == "" {
		dsn = filepath.Join(cfg.DataDir, "conductor.db")
	}
	sqlStore, err := store.Open(cfg.StorageDialect, dsn, 10, 5, log)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer sqlStore.Close()

	tracker := heartbeat.New(cfg.HeartbeatTimeout)
	cpEngine := checkpoint.New(sqlStore, log)

	workerCommand := cfg.WorkerCommand
	if c.WorkerCommandOverride != "" {
		workerCommand = c.WorkerCommandOverride
	}
	lnch := launcher.New(workerCommand, cfg.WorkerArgs, cfg.GracefulShutdownTimeout, log)

	sink, err := buildSink(cfg.Notification)
	if err != nil {
		return fmt.Errorf("serve: build notification sink: %w", err)
	}
	notifier := notify.NewLoggingNotifier(sink, log)

	var metrics = observability.NoopRecorder
	var metricsHandler http.Handler
	if c.Metrics {
		metrics, metricsHandler, err = observability.New()
		if err != nil {
			return fmt.Errorf("serve: init metrics: %w", err)
		}
	}

	ctx, cancel := rootContext()
	defer cancel()

	super := supervisor.New(supervisor.Config{
		Store:                 sqlStore,
		Roster:                ros,
		Tracker:               tracker,
		Checkpoint:            cpEngine,
		Launcher:              lnch,
		Notifier:              notifier,
		Metrics:               metrics,
		ProjectName:           cfg.ProjectName,
		WorkingDir:            cfg.WorkingDir,
		PollingInterval:       cfg.PollingInterval,
		DefaultTimeout:        cfg.DefaultTimeout,
		SpawningGrace:         cfg.SpawningGrace,
		MaxRetries:            cfg.MaxRetries,
		MaxConcurrentLaunches: cfg.MaxConcurrentLaunches,
		FailOnEscalation:      cfg.FailOnEscalation,
	}, log)

	surface := toolsurface.New(toolsurface.Config{
		Store:             sqlStore,
		Tracker:           tracker,
		Roster:            ros,
		Checkpoint:        cpEngine,
		Log:               log,
		Metrics:           metrics,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		KeepAliveInterval: cfg.MCPKeepAliveInterval,
		OnEscalation: func(role, reason string) {
			notifier.Notify(ctx, notify.Event{
				Kind:        "escalation",
				Role:        role,
				LastError:   reason,
				ProjectName: cfg.ProjectName,
				Timestamp:   time.Now(),
			})
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/", surface.Handler())
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	httpServer := &http.Server{Addr: cfg.MCPListenAddress, Handler: mux}
	go func() {
		log.Info("mcp tool surface listening", "address", cfg.MCPListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("mcp listener stopped unexpectedly", "error", err)
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		lnch.TerminateAll()
		httpServer.Close()
	}()

	log.Info("supervisor starting", "project", cfg.ProjectName, "roles", len(ros.Entries()))
	return super.Run(ctx)
}

func buildSink(cfg config.NotificationConfig) (notify.Sink, error) {
	switch cfg.Sink {
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("notification sink webhook requires webhook_url")
		}
		return notify.NewWebhookSink(cfg.WebhookURL), nil
	case "email":
		return notify.NewEmailSink(notify.EmailConfig{
			SMTPAddr: cfg.SMTPAddr,
			From:     cfg.EmailFrom,
			To:       cfg.EmailTo,
		}), nil
	default:
		return notify.NewConsoleSink(nil), nil
	}
}

// Command shepherd runs the chat-driven agent orchestrator.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shepherd/internal/agent"
	"shepherd/internal/channel"
	"shepherd/internal/command"
	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/health"
	"shepherd/internal/heartbeat"
	"shepherd/internal/ipc"
	"shepherd/internal/logging"
	"shepherd/internal/queue"
	"shepherd/internal/router"
	"shepherd/internal/scheduler"
	"shepherd/internal/store"
	"shepherd/internal/sysmetrics"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "shepherd",
		Short: "Chat-driven agent orchestrator",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Base handler allows everything; the component filter applies the
	// configured level and can be tuned per component later.
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(logging.NewComponentFilterHandler(base, lvl))
}

func run(ctx context.Context) error {
	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	env, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(env.LogLevel)
	logger.Info("starting shepherd", "version", version)

	for _, dir := range []string{env.DataDir, env.GroupsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(filepath.Join(env.DataDir, "shepherd.db"), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	secret, err := ipc.LoadOrCreateSecret(env.DataDir)
	if err != nil {
		return err
	}

	groups, err := config.LoadGroups(filepath.Join(env.DataDir, "groups.json"))
	if err != nil {
		return err
	}

	allow := config.NewAllowlistSource(env.MountAllowlistFile, logger)
	if err := allow.Watch(); err != nil {
		// Non-fatal: the per-spawn re-read still applies.
		logger.Warn("allowlist watch unavailable", "error", err)
	}
	defer allow.Close()

	monitor := sysmetrics.New(env.MaxConcurrentContainers)
	errs := errlog.New(100)

	runtime, err := agent.New(agent.Config{
		Image:       env.AgentImage,
		GroupsDir:   env.GroupsDir,
		Allowlist:   allow,
		Secret:      secret,
		HardTimeout: env.ContainerTimeout(),
		IdleTimeout: env.IdleTimeout(),
		Errors:      errs,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	q := queue.New(queue.Config{
		MaxDepth: env.MaxQueueSize,
		Limits:   monitor,
		Errors:   errs,
		Logger:   logger,
	})

	// Channel adapters register here; the core only sees the capability.
	var channels []channel.Channel
	outbound := router.NewOutbound(channels, 1, 5, env.AssistantTag, logger)

	hb := heartbeat.New(heartbeat.DefaultConfig(), heartbeat.Deps{
		Store:  st,
		Groups: groups,
		Spawn:  runtime.Spawn,
		Sender: outbound,
		Errors: errs,
		Logger: logger,
	})

	commands := command.New(command.Deps{
		Queue:         q,
		Workers:       runtime,
		Resources:     monitor,
		Errors:        errs,
		Store:         st,
		Heartbeat:     hb,
		Groups:        groups,
		GroupsDir:     env.GroupsDir,
		AssistantName: env.AssistantTag,
		Version:       version,
		StartedAt:     time.Now(),
		Location:      env.Location(),
	}, logger)

	sched, err := scheduler.New(scheduler.Config{
		Store:          st,
		Queue:          q,
		Groups:         groups,
		Spawn:          runtime.Spawn,
		Sender:         outbound,
		PollInterval:   env.SchedulerPollInterval(),
		DefaultTimeout: env.ContainerTimeout(),
		Location:       env.Location(),
		GroupsDir:      env.GroupsDir,
		Errors:         errs,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	msgs := newDispatcher(dispatcherDeps{
		Classifier: router.NewClassifier(),
		Commands:   commands,
		Outbound:   outbound,
		Queue:      q,
		Spawn:      runtime.Spawn,
		Heartbeat:  hb,
		Restart:    shutdown,
		Logger:     logger,
	})
	commands.SetSessions(msgs.Sessions())

	hsrv := health.New(env.HealthPort, health.Deps{
		Store:     st,
		Queue:     q,
		Workers:   runtime,
		Groups:    groups,
		Resources: monitor,
		Errors:    errs,
		Heartbeat: hb,
		Version:   version,
		StartedAt: time.Now(),
		Logger:    logger,
	})

	if err := sched.Start(); err != nil {
		return err
	}
	hb.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(hsrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hsrv.Shutdown(shutCtx); err != nil {
			logger.Warn("control plane shutdown", "error", err)
		}
		hb.Stop()
		sched.Stop()
		// Drains inflight workers before the store closes.
		q.Stop()
		return nil
	})

	return g.Wait()
}

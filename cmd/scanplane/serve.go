package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/scanplane/pkg/api"
	"github.com/cuemby/scanplane/pkg/artifact"
	"github.com/cuemby/scanplane/pkg/channel"
	"github.com/cuemby/scanplane/pkg/config"
	"github.com/cuemby/scanplane/pkg/dispatch"
	"github.com/cuemby/scanplane/pkg/events"
	"github.com/cuemby/scanplane/pkg/heartbeat"
	"github.com/cuemby/scanplane/pkg/ingest"
	"github.com/cuemby/scanplane/pkg/lifecycle"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/orchestrator"
	"github.com/cuemby/scanplane/pkg/reconciler"
	"github.com/cuemby/scanplane/pkg/registry"
	"github.com/cuemby/scanplane/pkg/runtime"
	"github.com/cuemby/scanplane/pkg/scheduler"
	"github.com/cuemby/scanplane/pkg/security"
	"github.com/cuemby/scanplane/pkg/session"
	"github.com/cuemby/scanplane/pkg/stage"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane: the HTTP API, the executor channel, the
heartbeat sweep and the executor/stage reconciler.

Configuration comes from --config, SCANPLANE_* environment variables and
the flags below, in increasing order of precedence.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("data-dir", "./scanplane-data", "Directory for the database, artifacts and workspaces")
	flags.String("http-addr", "127.0.0.1:8080", "HTTP API listen address")
	flags.String("base-url", "", "URL executors use for result callbacks (default http://<http-addr>)")
	flags.String("channel-addr", "127.0.0.1:9090", "Executor channel listen address")
	flags.Duration("heartbeat-timeout", 2*time.Minute, "Silence after which an executor is marked OFFLINE")
	flags.String("runner", "exec", "Local stage runner (exec, containerd)")
	flags.String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket for the containerd runner")
	flags.String("secrets-password", "", "Password the secret encryption key is derived from")
	bind(serveCmd, map[string]string{
		"data_dir":                  "data-dir",
		"http.addr":                 "http-addr",
		"http.base_url":             "base-url",
		"channel.addr":              "channel-addr",
		"heartbeat.timeout":         "heartbeat-timeout",
		"runtime.runner":            "runner",
		"runtime.containerd_socket": "containerd-socket",
		"secrets.password":          "secrets-password",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Secrets.Password == "" {
		return errors.New("secrets.password is required (flag --secrets-password or SCANPLANE_SECRETS_PASSWORD)")
	}
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	secrets, err := security.NewSecretsManagerFromPassword(cfg.Secrets.Password)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}
	vault := security.NewVault(store, secrets)

	workspaces, err := artifact.NewWorkspaces(cfg.Storage.WorkspaceDir)
	if err != nil {
		return err
	}
	artifacts, err := artifact.NewStore(cfg.Storage.ArtifactDir, cfg.Runtime.SandboxRoot, workspaces)
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}
	defer runner.Close()
	if pruner, ok := runner.(interface {
		Prune(context.Context) (int, error)
	}); ok {
		if n, err := pruner.Prune(cmd.Context()); err != nil {
			logger.Warn().Err(err).Msg("Failed to prune leftover containers")
		} else if n > 0 {
			logger.Info().Int("removed", n).Msg("Pruned leftover containers")
		}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	executors := registry.New(store)
	sessions := session.NewRegistry()
	dispatcher := dispatch.NewService(sessions, executors, vault, dispatch.Options{
		APIBaseURL:  cfg.HTTP.BaseURL,
		SandboxRoot: cfg.Runtime.SandboxRoot,
	})
	stages := lifecycle.New(store, broker)
	ingester := ingest.New(store, stages, artifacts)
	producer := stage.NewProducer(stage.Options{
		Store:      store,
		Stages:     stages,
		Dispatcher: dispatcher,
		Results:    ingester,
		Artifacts:  artifacts,
		Workspaces: workspaces,
		Secrets:    vault,
		Runner:     runner,
	})
	orch := orchestrator.New(store, executors, producer, workspaces)
	stages.AddListener(orch.OnStage)
	defer orch.Shutdown()

	sched := scheduler.NewScheduler(scheduler.WithJitter(cfg.Heartbeat.Jitter))
	monitor := heartbeat.NewMonitor(executors, cfg.Heartbeat.Timeout)
	if err := sched.Every("heartbeat-sweep", cfg.Heartbeat.SweepInterval, monitor.Run); err != nil {
		return err
	}
	recon := reconciler.NewReconciler(store, executors, cfg.Reconcile.StallGrace)
	if err := sched.Every("reconcile", cfg.Reconcile.Interval, recon.Run); err != nil {
		return err
	}

	collector := metrics.NewCollector(store, sessions)
	chanServer := channel.NewServer(sessions, executors, ingester)
	health := api.NewHealthServer(
		api.ReadinessCheck{Name: "storage", Check: store.Ping},
		api.TCPCheck("channel", cfg.Channel.Addr, 0),
	)
	apiServer := api.NewServer(api.Config{
		Executors: executors,
		Tasks:     orch,
		Results:   ingester,
		Events:    broker,
		Secrets:   vault,
		Health:    health,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return apiServer.Start(cfg.HTTP.Addr) })
	g.Go(func() error { return chanServer.Start(cfg.Channel.Addr) })
	g.Go(func() error {
		sched.Start()
		collector.Start()
		logger.Info().
			Str("http", cfg.HTTP.Addr).
			Str("channel", cfg.Channel.Addr).
			Str("runner", cfg.Runtime.Runner).
			Msg("Control plane running")

		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		sched.Stop()
		collector.Stop()
		chanServer.Stop(shutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func newRunner(cfg *config.Config) (runtime.Runner, error) {
	switch cfg.Runtime.Runner {
	case "containerd":
		return runtime.NewContainerdRunner(cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)
	default:
		return runtime.NewExecRunner(), nil
	}
}

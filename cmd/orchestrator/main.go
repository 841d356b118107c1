package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/archive"
	"github.com/dyluth/warren/internal/collab"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/conflict"
	"github.com/dyluth/warren/internal/docker"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/mirror"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/risk"
	"github.com/dyluth/warren/internal/workspace"
	"github.com/dyluth/warren/pkg/canon"
)

func main() {
	// 1. Parse flags and load configuration
	configPath := flag.String("config", "warren.yml", "path to warren.yml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Build the structured logger
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	// 3. Connect to the canon and verify Redis connectivity
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	canonClient, err := canon.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create canon client: %v\n", err)
		os.Exit(1)
	}
	defer canonClient.Close()

	ctx := context.Background()
	if err := canonClient.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 4. Open the durable archive when enabled
	var arch *archive.Archive
	if cfg.ArchiveEnabled() {
		arch, err = archive.Open(archive.Config{
			Path:       cfg.Archive.Path,
			SyncWrites: cfg.ArchiveSyncWrites(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to open archive: %v\n", err)
			os.Exit(1)
		}
		defer arch.Close()
	}

	// 5. Create the workspace manager
	workspaces, err := workspace.NewManager(workspace.Config{
		CanonClient:   canonClient,
		Archive:       arch,
		Root:          cfg.Workspaces.Root,
		MaxConcurrent: cfg.Workspaces.MaxConcurrent,
		SnapshotsKeep: cfg.SnapshotsKeep(),
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create workspace manager: %v\n", err)
		os.Exit(1)
	}

	// 6. Initialize a Docker client only when a collaborator runs in docker
	var dockerClient *client.Client
	if docker.Needed(cfg.Collaborators) {
		dockerClient, err = docker.NewClient(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer dockerClient.Close()
	}

	// 7. Build the collaborators
	generator, err := collab.NewGenerator(cfg.Collaborators.Generator, dockerClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tester, err := collab.NewTestRunner(cfg.Collaborators.Tester, dockerClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// 8. Wire terminal-state notifiers
	notifiers := []collab.Notifier{
		collab.NewLogNotifier(logger),
		collab.NewIssueCommentNotifier(cfg.Notifications.SpoolDir),
	}

	// 9. Open the git snapshot mirror when enabled
	var gitMirror *mirror.Mirror
	if cfg.Mirror.Enabled {
		gitMirror, err = mirror.Open(cfg.Mirror.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to open git mirror: %v\n", err)
			os.Exit(1)
		}
	}

	// 10. Create the orchestrator engine
	engine, err := orchestrator.NewEngine(orchestrator.Deps{
		Canon:      canonClient,
		Config:     cfg,
		Logger:     logger,
		Workspaces: workspaces,
		Archive:    arch,
		Risk:       risk.NewAssessor(cfg.Risk),
		Conflicts:  conflict.NewDetector(),
		Generator:  generator,
		Tester:     tester,
		Notifiers:  notifiers,
		Mirror:     gitMirror,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create engine: %v\n", err)
		os.Exit(1)
	}

	// 11. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 12. Start the engine in a goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	logger.Info("orchestrator started",
		zap.String("instance", cfg.Instance),
		zap.Int("health_port", cfg.Health.Port))

	// 13. Wait for shutdown signal or engine error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Orchestrator error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("Orchestrator stopped")
}

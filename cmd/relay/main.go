// Package main is the relay server entry point. It wires the stores, the
// sandbox providers, the session hub registry, and the HTTP/WebSocket
// surface, then runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/api"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/crypto"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/hub"
	"github.com/relaydev/relay/internal/journal"
	"github.com/relaydev/relay/internal/reaper"
	"github.com/relaydev/relay/internal/sandbox"
	sandboxdocker "github.com/relaydev/relay/internal/sandbox/docker"
	"github.com/relaydev/relay/internal/sandbox/microvm"
	"github.com/relaydev/relay/internal/sandbox/remote"
	"github.com/relaydev/relay/internal/secrets"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting relay",
		zap.String("driver", cfg.Database.Driver),
		zap.String("state_dir", cfg.Sandbox.StateDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage.
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	if err := session.EnsureStateDir(cfg.Sandbox.StateDir); err != nil {
		log.Fatal("state directory unusable", zap.Error(err))
	}

	// Secrets refuse to work without key material.
	cryptoSvc, err := buildCrypto(cfg.Secrets)
	if err != nil {
		log.Fatal("failed to initialize secret encryption", zap.Error(err))
	}
	secretsStore, closeSecrets, err := secrets.Provide(pool.Writer(), pool.Reader(), cryptoSvc, log)
	if err != nil {
		log.Fatal("failed to initialize secrets store", zap.Error(err))
	}
	defer closeSecrets()

	journalStore, err := journal.Provide(pool.Writer(), pool.Reader(), log)
	if err != nil {
		log.Fatal("failed to initialize event journal", zap.Error(err))
	}

	envStore, err := environments.Provide(pool.Writer(), pool.Reader(), log)
	if err != nil {
		log.Fatal("failed to initialize environments store", zap.Error(err))
	}
	if err := envStore.SeedFromFile(ctx, filepath.Join(cfg.Sandbox.ConfigDir, "environments.yaml")); err != nil {
		log.Fatal("failed to seed environments", zap.Error(err))
	}

	sessionRepo, err := session.ProvideRepository(pool.Writer(), pool.Reader(), log)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Sandbox providers.
	manager := sandbox.NewManager(secretsStore, log)
	manager.Register(sandbox.NewMockProvider(log))

	if cfg.Docker.Enabled {
		dockerClient, err := sandboxdocker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Fatal("failed to initialize docker client", zap.Error(err))
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Fatal("docker daemon not reachable", zap.Error(err))
		}
		manager.Register(sandboxdocker.NewProvider(dockerClient, cfg.Docker, log))
		log.Info("docker sandbox provider enabled")
	}
	if cfg.MicroVM.Enabled {
		manager.Register(microvm.NewProvider(cfg.MicroVM, log))
		log.Info("microvm sandbox provider enabled",
			zap.String("control_bin", cfg.MicroVM.ControlBin))
	}
	if cfg.Remote.Enabled {
		manager.Register(remote.NewProvider(cfg.Remote, log))
		log.Info("remote sandbox provider enabled")
	}
	defer manager.Shutdown()

	// Lifecycle services.
	sessionSvc := session.NewService(sessionRepo, envStore, journalStore, eventBus, manager, cfg.Sandbox.StateDir, log)
	defer sessionSvc.Stop()

	hubs, err := hub.NewRegistry(journalStore, sessionSvc, hub.NewSandboxAttacher(sessionSvc, manager), eventBus, log)
	if err != nil {
		log.Fatal("failed to initialize hub registry", zap.Error(err))
	}
	defer hubs.Shutdown()

	idleReaper := reaper.New(sessionSvc, manager, journalStore, cfg.Reaper, log)
	idleReaper.Start()
	defer idleReaper.Stop()

	// HTTP surface.
	router := api.NewRouter(cfg,
		api.NewSessionHandler(sessionSvc, journalStore, manager, hubs, log),
		environments.NewHandler(envStore),
		secrets.NewHandler(secrets.NewService(secretsStore, log), log),
		log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	// Deferred teardown runs in reverse wiring order: reaper, hubs, session
	// service, sandbox manager, bus, secrets, database.
}

// buildCrypto decodes the key material. The master key is mandatory; previous
// keys keep rotated-away secrets readable.
func buildCrypto(cfg config.SecretsConfig) (*crypto.Service, error) {
	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("secrets.masterKey is not valid base64: %w", err)
	}
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("secrets.masterKey is required (base64 of a 256-bit key)")
	}

	previous := make(map[int][]byte, len(cfg.PreviousKeys))
	for versionStr, encoded := range cfg.PreviousKeys {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, fmt.Errorf("secrets.previousKeys: %q is not a version number", versionStr)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("secrets.previousKeys[%d]: %w", version, err)
		}
		previous[version] = key
	}

	return crypto.NewService(masterKey, cfg.KeyVersion, previous)
}

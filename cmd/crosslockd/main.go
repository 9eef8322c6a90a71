// Package main provides the crosslockd daemon, the cross-chain swap
// orchestrator.
package main

import (
	"context"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/chains/evm"
	"github.com/crosslock-exchange/crosslock/internal/chains/nearapi"
	"github.com/crosslock-exchange/crosslock/internal/config"
	"github.com/crosslock-exchange/crosslock/internal/executor"
	"github.com/crosslock-exchange/crosslock/internal/monitor"
	"github.com/crosslock-exchange/crosslock/internal/notify"
	"github.com/crosslock-exchange/crosslock/internal/rpc"
	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/store"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.crosslock", "Data directory")
		apiAddr     = flag.String("api", "", "HTTP API address, overrides config")
		mode        = flag.String("mode", "", "Completion mode (executor, client), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.ListenAddr = *apiAddr
	}
	if *mode != "" {
		cfg.Executor.Mode = *mode
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session store with the sealed-secret store attached.
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	st, err := store.New(store.Config{
		Path:           filepath.Join(dataPath, "crosslock.db"),
		MaxActive:      cfg.Session.MaxActive,
		SessionTimeout: cfg.Session.Timeout,
		Offsets:        cfg.Timelocks,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", "error", err)
	}
	defer st.Close()
	log.Info("Session store initialized", "path", dataPath)

	if cfg.Secret.EncryptionKey == "" {
		log.Fatal("No secret encryption key configured", "env", config.EnvSecretKey)
	}
	secrets, err := secret.NewStore(secret.Config{
		EncryptionKey: cfg.Secret.EncryptionKey,
		TTL:           cfg.Secret.TTL,
	}, st, log)
	if err != nil {
		log.Fatal("Failed to initialize secret store", "error", err)
	}
	st.AttachSecretStore(secrets)

	// Chain clients.
	chainA, err := evm.NewClient(ctx, evm.Config{
		RPCURL:         cfg.ChainA.RPCURL,
		ChainID:        cfg.ChainA.ChainID,
		FactoryAddress: cfg.ChainA.FactoryAddress,
		SignerKey:      cfg.ChainA.SignerKey,
		SafetyDeposit:  mustBig(log, "chain_a.safety_deposit", cfg.ChainA.SafetyDeposit),
		GasReserve:     mustBig(log, "chain_a.gas_reserve", cfg.ChainA.GasReserve),
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to chain A", "error", err)
	}
	log.Info("Chain A client initialized", "chainId", cfg.ChainA.ChainID)

	chainB, err := nearapi.NewClient(nearapi.Config{
		NetworkID:    cfg.ChainB.NetworkID,
		RPCURL:       cfg.ChainB.RPCURL,
		BackupRPCURL: cfg.ChainB.BackupRPCURL,
		HTLCContract: cfg.ChainB.HTLCContract,
		AccountID:    cfg.ChainB.AccountID,
		PrivateKey:   cfg.ChainB.PrivateKey,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize chain B client", "error", err)
	}
	log.Info("Chain B client initialized", "network", cfg.ChainB.NetworkID)

	// Executor with its timer wheel and notification hub.
	notifier := notify.New(log)
	scheduler := executor.NewScheduler(log)
	go scheduler.Run(ctx)

	exec := executor.New(executor.Config{
		Mode:               executor.Mode(cfg.Executor.Mode),
		WaitForBothLocked:  cfg.Executor.WaitForBothLocked,
		StatusPollInterval: cfg.Executor.StatusPollInterval,
		RPCRetries:         cfg.Executor.RPCRetries,
		RPCBackoff:         cfg.Executor.RPCBackoff,
	}, st, chainA, chainB, notifier, scheduler, log)
	log.Info("Executor initialized", "mode", cfg.Executor.Mode)

	// Chain monitor feeding observations back into the executor.
	mon := monitor.New(monitor.Config{
		PollInterval:      cfg.Monitor.PollInterval,
		ConfirmationDepth: cfg.Monitor.ConfirmationDepth,
		MaxRetries:        cfg.Monitor.MaxRetries,
		BackoffBase:       cfg.Monitor.BackoffBase,
	}, chainA, chainB, exec.HandleObservation, log)
	mon.Start(ctx)
	log.Info("Chain monitor started")

	// Expired-session sweeper.
	go func() {
		ticker := time.NewTicker(cfg.Session.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.Sweep(); err != nil {
					log.Warn("Session sweep failed", "error", err)
				} else if n > 0 {
					log.Info("Swept expired sessions", "count", n)
				}
			}
		}
	}()

	rpcServer := rpc.NewServer(cfg.ListenAddr, st, exec, notifier, log)
	go func() {
		if err := rpcServer.Start(); err != nil {
			log.Fatal("RPC server failed", "error", err)
		}
	}()

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	mon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func mustBig(log *logging.Logger, name, s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		log.Fatal("Invalid amount in config", "option", name, "value", s)
	}
	return n
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosslock Swap Orchestrator")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.ListenAddr)
	log.Infof("  WS:  ws://%s/ws/sessions/{id}", cfg.ListenAddr)
	log.Info("")
	log.Infof("  Chain A: %s (id %d)", cfg.ChainA.RPCURL, cfg.ChainA.ChainID)
	log.Infof("  Chain B: %s (%s)", cfg.ChainB.RPCURL, cfg.ChainB.NetworkID)
	log.Infof("  Mode: %s | Max sessions: %d", cfg.Executor.Mode, cfg.Session.MaxActive)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

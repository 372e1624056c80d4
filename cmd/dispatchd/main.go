// Package main is the entry point for the dispatch core daemon.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/brightloop/dispatchcore/internal/agent"
	"github.com/brightloop/dispatchcore/internal/api"
	"github.com/brightloop/dispatchcore/internal/buildinfo"
	"github.com/brightloop/dispatchcore/internal/config"
	"github.com/brightloop/dispatchcore/internal/dispatch"
	"github.com/brightloop/dispatchcore/internal/history"
	"github.com/brightloop/dispatchcore/internal/llmclient"
	"github.com/brightloop/dispatchcore/internal/memtrigger"
	"github.com/brightloop/dispatchcore/internal/queue"
	"github.com/brightloop/dispatchcore/internal/store"
	"github.com/brightloop/dispatchcore/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting dispatchcore", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "chat_model", cfg.Models.Chat)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	dbPath := cfg.DataDir + "/dispatchcore.db"
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("store opened", "path", dbPath)

	llmClient := llmclient.NewOpenAIClient(cfg.Creds.BaseURL, logger)

	creds := dispatch.Credentials{
		Main:   llmclient.Credential{ID: "MAIN", APIKey: cfg.Creds.MainAPIKey, HTTPClient: llmclient.NewCredentialHTTPClient()},
		Backup: llmclient.Credential{ID: "BACKUP", APIKey: cfg.Creds.BackupAPIKey, HTTPClient: llmclient.NewCredentialHTTPClient()},
	}
	if cfg.Creds.MemoryAPIKey != "" {
		memCred := llmclient.Credential{ID: "MEMORY", APIKey: cfg.Creds.MemoryAPIKey, HTTPClient: llmclient.NewCredentialHTTPClient()}
		creds.Memory = &memCred
	}

	dispatchCfg := dispatch.Config{
		ChatLane: queue.LaneConfig{
			RPM:      cfg.ChatLane.RPM,
			Capacity: cfg.ChatLane.Capacity,
			Timeout:  time.Duration(cfg.ChatLane.TimeoutSeconds) * time.Second,
		},
		MemoryLane: queue.LaneConfig{
			RPM:      cfg.MemLane.RPM,
			Capacity: cfg.MemLane.Capacity,
			Timeout:  time.Duration(cfg.MemLane.TimeoutSeconds) * time.Second,
		},
		Workers: cfg.Workers,
		Models: dispatch.Models{
			Chat:       cfg.Models.Chat,
			Extraction: cfg.Models.Extraction,
			Embedding:  cfg.Models.Embedding,
		},
		EmbedDim: cfg.Models.EmbedDim,
	}

	manager, err := dispatch.New(dispatchCfg, llmClient, creds, logger.With("component", "dispatch"))
	if err != nil {
		logger.Error("failed to construct dispatch manager", "error", err)
		os.Exit(1)
	}
	manager.Start()
	defer manager.Stop()

	registry := history.New(db, cfg.History.MaxRounds)

	runner := agent.New(registry, db, manager, logger.With("component", "agent"),
		agent.WithMemoryTopK(cfg.History.MemoryTopK),
		agent.WithPersister(db),
	)

	trigger := memtrigger.New(manager, db, logger.With("component", "memtrigger"), cfg.History.TriggerEveryNth)

	var publisher *telemetry.Publisher
	if cfg.Telemetry.Enabled {
		clientID := cfg.Telemetry.ClientID
		if clientID == "" {
			clientID, err = telemetry.LoadOrCreateClientID(cfg.DataDir)
			if err != nil {
				logger.Error("failed to load telemetry client id", "error", err)
				os.Exit(1)
			}
		}
		publisher = telemetry.New(cfg.Telemetry, clientID, manager, logger.With("component", "telemetry"))
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, runner, manager, trigger, logger.With("component", "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var telemetryDone chan struct{}
	if publisher != nil {
		telemetryDone = make(chan struct{})
		go func() {
			defer close(telemetryDone)
			if err := publisher.Start(ctx); err != nil {
				logger.Error("telemetry publisher failed", "error", err)
			}
		}()
	}

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		if publisher != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = publisher.Stop(shutdownCtx)
			shutdownCancel()
		}
		_ = server.Shutdown(context.Background())
	}()

	if cfg.Listen.AutoTLSDomain != "" {
		err = serveAutoTLS(ctx, server, cfg, logger)
	} else {
		err = server.Start(ctx)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	if telemetryDone != nil {
		<-telemetryDone
	}

	logger.Info("dispatchcore stopped")
}

// serveAutoTLS runs the HTTP API server behind automatic TLS
// certificate provisioning for cfg.Listen.AutoTLSDomain, handling the
// ACME HTTP-01 challenge on :80 and serving the API itself on :443.
func serveAutoTLS(ctx context.Context, server *api.Server, cfg *config.Config, logger *slog.Logger) error {
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Listen.AutoTLSDomain),
		Cache:      autocert.DirCache(cfg.Listen.AutoTLSCache),
	}

	challengeServer := &http.Server{
		Addr:    ":80",
		Handler: manager.HTTPHandler(nil),
	}
	go func() {
		if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("ACME challenge server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = challengeServer.Shutdown(context.Background())
	}()

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	logger.Info("starting API server with automatic TLS", "domain", cfg.Listen.AutoTLSDomain)
	return server.StartTLS(ctx, tlsConfig)
}

package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"xrplalerts/internal/alerts"
	"xrplalerts/internal/api"
	"xrplalerts/internal/config"
	"xrplalerts/internal/enricher"
	"xrplalerts/internal/eventbus"
	"xrplalerts/internal/ingester"
	"xrplalerts/internal/notifier"
	"xrplalerts/internal/repository"
	"xrplalerts/internal/xrpl"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Initializing XRPL NFT Alerts (build %s)...", BuildCommit)
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	for _, n := range cfg.Supervisor.Nodes {
		log.Printf("XRPL Node: %s (priority %d)", n.URL, n.Priority)
	}
	log.Printf("API Port: %s", cfg.APIPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Dependencies
	repo, err := repository.NewRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for extra replicas)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate(ctx, "schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	// 3. Services
	supervisor, err := xrpl.NewSupervisor(cfg.Supervisor)
	if err != nil {
		log.Fatalf("Failed to build supervisor: %v", err)
	}

	// Seed the gap detector from the checkpoint so the downtime window
	// surfaces as a backfillable gap instead of silently vanishing.
	if last, err := repo.LastProcessedLedger(ctx); err != nil {
		log.Printf("Warning: could not read ledger checkpoint: %v", err)
	} else if last > 0 {
		supervisor.SeedCheckpoint(last)
		log.Printf("Resuming from ledger checkpoint %d", last)
	}

	bus := eventbus.New(256)
	defer bus.Close()

	ingestSvc, err := ingester.NewService(cfg.Ingester, repo, bus)
	if err != nil {
		log.Fatalf("Failed to build ingester: %v", err)
	}

	var objects enricher.ObjectStore
	if cfg.Enricher.S3Bucket != "" {
		store, err := enricher.NewS3Store(ctx, cfg.Enricher)
		if err != nil {
			log.Fatalf("Failed to build S3 image store: %v", err)
		}
		objects = store
		log.Printf("Image cache enabled (bucket %s)", cfg.Enricher.S3Bucket)
	} else {
		log.Println("Image cache is DISABLED (no S3_BUCKET)")
	}
	enrichSvc := enricher.New(cfg.Enricher, repo, objects)

	matcher := alerts.NewMatcher(alerts.NewCachedConfigSource(repo, 30*time.Second))
	dispatcher := notifier.NewDispatcher(cfg.Dispatcher, repo, notifier.DefaultSenders(cfg.Dispatcher))
	orchestrator := notifier.NewOrchestrator(bus, matcher, dispatcher)

	apiServer := api.NewServer(repo, supervisor, ingestSvc, dispatcher, bus, cfg.APIPort)

	// Handle SIGINT/SIGTERM; main blocks on sigChan at the end.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start API in background
	go func() {
		log.Printf("Starting API Server on :%s", cfg.APIPort)
		if err := apiServer.Start(ctx); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	// 4. Pipeline
	ledgerSub := supervisor.SubscribeLedgers()
	txSub := supervisor.SubscribeTransactions()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		supervisor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ledgerSub.Unsubscribe()
		defer txSub.Unsubscribe()
		ingestSvc.Run(ctx, ledgerSub.C, txSub.C)
	}()

	if os.Getenv("ENABLE_ENRICHER") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enrichSvc.Run(ctx)
		}()
	} else {
		log.Println("Enricher is DISABLED (ENABLE_ENRICHER=false)")
	}

	if os.Getenv("ENABLE_DISPATCHER") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orchestrator.Run(ctx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	} else {
		log.Println("Dispatcher is DISABLED (ENABLE_DISPATCHER=false)")
	}

	// Block until shutdown signal.
	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	log.Println("Shutdown complete.")
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

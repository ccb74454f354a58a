package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver for the settlement archive

	"github.com/kaustubh76/synapse/internal/api"
	"github.com/kaustubh76/synapse/internal/config"
	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/engine"
	"github.com/kaustubh76/synapse/internal/events"
	"github.com/kaustubh76/synapse/internal/infra"
	"github.com/kaustubh76/synapse/internal/payment"
	"github.com/kaustubh76/synapse/internal/push"
	"github.com/kaustubh76/synapse/internal/registry"
	"github.com/kaustubh76/synapse/internal/scoring"
	"github.com/kaustubh76/synapse/internal/snapshot"
)

func main() {
	configPath := flag.String("config", "broker.yaml", "path to broker config")
	flag.Parse()

	// .env is optional; real env vars win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("Starting synapse broker (env=%s, port=%d)", cfg.Server.Env, cfg.Server.Port)

	bus := events.NewBus(256)

	reg := registry.New(bus, registry.Options{
		SweepInterval: cfg.Registry.SweepInterval(),
		OfflineAfter:  cfg.Registry.LivenessWindow(),
	})
	reg.StartSweep()
	defer reg.StopSweep()

	// Settlement archive: on only when a DSN is configured.
	var archive *payment.Archive
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer db.Close()
		archive = payment.NewArchive(db)
		if err := archive.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("archive schema: %v", err)
		}
	}

	var facilitator payment.Facilitator
	if cfg.Payment.DemoMode {
		log.Println("Payment facilitator: demo simulator")
		facilitator = payment.NewDemoFacilitator()
	} else {
		log.Printf("Payment facilitator: %s", cfg.Payment.FacilitatorURL)
		httpFac := payment.NewHTTPFacilitator(cfg.Payment.FacilitatorURL, cfg.Payment.FacilitatorTimeout())
		facilitator = payment.NewGuardedFacilitator(httpFac, 30*time.Second)
	}

	orch := payment.New(facilitator, payment.Options{
		FeePermille:        cfg.Payment.PlatformFeePermille,
		FacilitatorTimeout: cfg.Payment.FacilitatorTimeout(),
		PayToAddress:       cfg.Payment.PayToAddress,
		Archive:            archive,
	})
	stopEscrowSweep := make(chan struct{})
	orch.StartSweep(time.Minute, stopEscrowSweep)
	defer close(stopEscrowSweep)

	eng := engine.New(reg, orch, scoring.New(nil), bus, engine.Options{
		DefaultBiddingDuration: cfg.Auction.BiddingDurationDefault(),
		ExecutionGrace:         cfg.Auction.ExecutionGrace(),
		FailoverDepth:          cfg.Auction.FailoverDepth,
		EscrowTTL:              cfg.Payment.EscrowTTL(),
		Retention:              cfg.Auction.Retention(),
	})
	eng.StartGC(5 * time.Minute)
	defer eng.Close()

	hub := push.NewHub(push.Options{
		BatchInterval:         cfg.Push.BatchInterval(),
		MaxBatchSize:          cfg.Push.MaxBatchSize,
		BackpressureThreshold: cfg.Push.BackpressureThreshold,
		Snapshot:              eng.Snapshot,
	})
	go hub.Run()
	defer hub.Close()

	bridge := api.NewBridge(bus, hub)
	go bridge.Run()
	defer bridge.Close()

	// Snapshot store: optional, needs Redis.
	if addr := cfg.Snapshot.RedisAddr; addr != "" {
		client, err := infra.NewGoRedisAdapter(addr, cfg.Snapshot.RedisPassword, cfg.Snapshot.RedisDB)
		if err != nil {
			log.Printf("Snapshots disabled: %v", err)
		} else {
			defer client.Close()
			store := snapshot.NewRedisStore(client, "", 0)
			go snapshotLoop(store, reg, eng, orch, cfg.Snapshot.Interval())
		}
	}

	server := api.NewServer(eng, reg, orch, hub)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}
}

// snapshotLoop captures broker state periodically. Bids inside open
// intents ride along with their intent snapshots.
func snapshotLoop(store snapshot.Store, reg *registry.Registry, eng *engine.Engine, orch *payment.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		intents := eng.OpenIntents()
		var bids []*core.Bid
		for _, intent := range intents {
			if b, ok := eng.BidsForIntent(intent.ID); ok {
				bids = append(bids, b...)
			}
		}

		snap, err := snapshot.New(reg.All(), intents, bids, orch.Escrows())
		if err != nil {
			log.Printf("[Snapshot] build failed: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.Save(ctx, snap); err != nil {
			log.Printf("[Snapshot] save failed: %v", err)
		}
		cancel()
	}
}

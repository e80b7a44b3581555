package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/agentdao/backoffice/internal/api"
	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/indexer"
	"github.com/agentdao/backoffice/internal/ledger"
	"github.com/agentdao/backoffice/internal/marketing"
	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/reconcile"
	"github.com/agentdao/backoffice/internal/settlement"
	"github.com/agentdao/backoffice/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("[SERVER] config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[SERVER] store: %v", err)
	}
	defer st.Close()

	var chainClient chain.Client
	if cl, err := chain.NewEthClient(cfg); err == nil {
		chainClient = cl
	} else {
		log.Printf("[SERVER] chain disabled: %v", err)
	}

	pub := events.NewPublisher(cfg.RedisAddr, cfg.RedisPassword)
	defer pub.Close()

	led := ledger.New(st, pub)
	gate := policy.New(st, cfg)
	rec := reconcile.New(st, chainClient, cfg.DistributorAddress, pub)
	set := settlement.New(st, chainClient, gate, pub)
	mkt := marketing.New(st, cfg, gate)
	queue := outbox.NewQueue(st, pub)
	dispatch := outbox.NewDispatcher(queue, st, chainClient, cfg.TxOutboxEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The indexer runs alongside the API so observations stay fresh for
	// sync and reconciliation calls.
	if chainClient != nil {
		ix := indexer.New(st, chainClient, cfg)
		go ix.Run(ctx, cfg.Tuning.PollInterval)
	}

	// Replay nonces only matter inside the timestamp window; prune the rest
	// hourly.
	go func() {
		retention := 2 * (cfg.OracleRequestTTL + cfg.OracleClockSkew)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PruneOracleNonces(ctx, retention); err != nil {
					log.Printf("[SERVER] prune nonces: %v", err)
				} else if n > 0 {
					log.Printf("[SERVER] pruned %d oracle nonces", n)
				}
			}
		}
	}()

	server := api.New(cfg, st, led, gate, rec, set, mkt, queue, dispatch)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("[SERVER] %v", err)
	}
}

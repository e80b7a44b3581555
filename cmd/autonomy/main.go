package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/agentdao/backoffice/internal/autonomy"
	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/indexer"
	"github.com/agentdao/backoffice/internal/marketing"
	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/reconcile"
	"github.com/agentdao/backoffice/internal/settlement"
	"github.com/agentdao/backoffice/internal/store"
)

func main() {
	_ = godotenv.Load()

	now := time.Now().UTC()
	prevMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	month := flag.String("month", prevMonth.Format("200601"), "profit month (YYYYMM)")
	skipIndexer := flag.Bool("skip-indexer", false, "skip the indexer tick")
	skipExecute := flag.Bool("skip-execute", false, "stop before execute_distribution")
	deadline := flag.Duration("deadline", 10*time.Minute, "global run deadline")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("[AUTONOMY] config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[AUTONOMY] store: %v", err)
	}
	defer st.Close()

	var chainClient chain.Client
	var ix *indexer.Indexer
	if cl, cerr := chain.NewEthClient(cfg); cerr == nil {
		chainClient = cl
		ix = indexer.New(st, cl, cfg)
	} else {
		log.Printf("[AUTONOMY] chain disabled: %v", cerr)
	}

	pub := events.NewPublisher(cfg.RedisAddr, cfg.RedisPassword)
	defer pub.Close()

	gate := policy.New(st, cfg)
	mkt := marketing.New(st, cfg, gate)
	rec := reconcile.New(st, chainClient, cfg.DistributorAddress, pub)
	set := settlement.New(st, chainClient, gate, pub)
	queue := outbox.NewQueue(st, pub)
	dispatch := outbox.NewDispatcher(queue, st, chainClient, cfg.TxOutboxEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *deadline)
	defer cancel()

	runner := autonomy.New(cfg, st, chainClient, ix, mkt, rec, set, dispatch, os.Stdout, os.Stderr)
	os.Exit(runner.Run(ctx, autonomy.Options{
		Month:       *month,
		SkipIndexer: *skipIndexer,
		SkipExecute: *skipExecute,
	}))
}

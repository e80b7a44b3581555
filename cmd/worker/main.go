package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/githost"
	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("[WORKER] config: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[WORKER] store: %v", err)
	}
	defer st.Close()

	var chainClient chain.Client
	if cl, err := chain.NewEthClient(cfg); err == nil {
		chainClient = cl
	} else {
		log.Printf("[WORKER] chain disabled: %v", err)
	}

	pub := events.NewPublisher(cfg.RedisAddr, cfg.RedisPassword)
	defer pub.Close()

	host := githost.NewCLIHost(cfg.GitReposDir, cfg.Tuning.GitCallTimeout)
	gate := policy.New(st, cfg)

	hostname, _ := os.Hostname()
	base := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Tuning.TxWorkers; i++ {
		w := outbox.NewTxWorker(st, chainClient, gate, pub,
			fmt.Sprintf("tx-%s-%d", base, i), cfg.OutboxLockTTL, cfg.Tuning.TaskTimeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, cfg.Tuning.PollInterval)
		}()
	}
	for i := 0; i < cfg.Tuning.GitWorkers; i++ {
		w := outbox.NewGitWorker(st, host, pub,
			fmt.Sprintf("git-%s-%d", base, i), cfg.OutboxLockTTL, cfg.Tuning.TaskTimeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, cfg.Tuning.PollInterval)
		}()
	}

	log.Printf("[WORKER] %d tx + %d git workers running", cfg.Tuning.TxWorkers, cfg.Tuning.GitWorkers)
	wg.Wait()
}

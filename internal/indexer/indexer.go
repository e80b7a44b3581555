// Package indexer scans confirmed ERC-20 Transfer logs into the
// observed_usdc_transfers table. The cursor advances transactionally with
// each batch, so a crash mid-batch replays the batch idempotently.
package indexer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentdao/backoffice/internal/chain"
	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/store"
)

const cursorKey = "usdc_transfers"

var (
	transfersIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_indexer_transfers_total",
		Help: "Newly observed USDC transfers",
	})
	indexerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_indexer_ticks_total",
		Help: "Indexer tick outcomes",
	}, []string{"outcome"})
)

// Indexer owns the Transfer log scan loop.
type Indexer struct {
	store         *store.Store
	chain         chain.Client
	chainID       int64
	confirmations uint64
	batch         uint64
	callTimeout   time.Duration

	// Static anchors always in the watched set.
	anchors []string
}

// New wires an indexer from config. The distributor and funding pool
// addresses join every project treasury/revenue address in the watched set.
func New(st *store.Store, cl chain.Client, cfg *config.Config) *Indexer {
	var anchors []string
	if cfg.DistributorAddress != "" {
		anchors = append(anchors, cfg.DistributorAddress)
	}
	if cfg.FundingPoolAddress != "" {
		anchors = append(anchors, cfg.FundingPoolAddress)
	}
	return &Indexer{
		store:         st,
		chain:         cl,
		chainID:       cfg.ChainID,
		confirmations: cfg.Confirmations,
		batch:         cfg.IndexerBatch,
		callTimeout:   cfg.Tuning.ChainCallTimeout,
		anchors:       anchors,
	}
}

// WatchedAddresses is the union of static anchors and all non-null project
// treasury and revenue addresses, deduplicated case-insensitively.
func (ix *Indexer) WatchedAddresses(ctx context.Context) ([]string, error) {
	projects, err := ix.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		key := strings.ToLower(addr)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}
	for _, a := range ix.anchors {
		add(a)
	}
	for _, p := range projects {
		add(p.TreasuryAddress)
		add(p.RevenueAddress)
	}
	return out, nil
}

// Tick scans one batch. Returns the number of newly inserted observations;
// zero with nil error means the chain has not advanced past the cursor.
func (ix *Indexer) Tick(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ix.callTimeout)
	defer cancel()

	latest, err := ix.chain.LatestBlock(ctx)
	if err != nil {
		indexerTicks.WithLabelValues("rpc_error").Inc()
		return 0, fmt.Errorf("latest block: %w", err)
	}
	if latest < ix.confirmations {
		indexerTicks.WithLabelValues("waiting").Inc()
		return 0, nil
	}
	confirmed := latest - ix.confirmations

	cursor, err := ix.store.GetCursor(ctx, cursorKey, ix.chainID)
	if err != nil {
		indexerTicks.WithLabelValues("store_error").Inc()
		return 0, err
	}
	if cursor >= confirmed {
		indexerTicks.WithLabelValues("caught_up").Inc()
		return 0, nil
	}

	from := cursor + 1
	to := confirmed
	if ix.batch > 0 && to-from+1 > ix.batch {
		to = from + ix.batch - 1
	}

	watched, err := ix.WatchedAddresses(ctx)
	if err != nil {
		indexerTicks.WithLabelValues("store_error").Inc()
		return 0, err
	}
	if len(watched) == 0 {
		// Nothing to watch yet; still advance the cursor so a later
		// project registration does not trigger a genesis rescan.
		_, err := ix.store.InsertObservedTransfers(ctx, cursorKey, ix.chainID, nil, to)
		return 0, err
	}

	logs, err := ix.chain.FilterTransfers(ctx, from, to, watched)
	if err != nil {
		indexerTicks.WithLabelValues("rpc_error").Inc()
		return 0, fmt.Errorf("filter transfers: %w", err)
	}

	rows, scanTo := ix.buildRows(logs, to)
	if scanTo < from {
		// The first scanned block holds a malformed log; nothing advances
		// until it is resolved.
		indexerTicks.WithLabelValues("held").Inc()
		return 0, nil
	}

	inserted, err := ix.store.InsertObservedTransfers(ctx, cursorKey, ix.chainID, rows, scanTo)
	if err != nil {
		indexerTicks.WithLabelValues("store_error").Inc()
		return 0, err
	}
	if inserted > 0 {
		log.Printf("[INDEXER] blocks %d-%d: %d new transfers (%d logs)", from, scanTo, inserted, len(logs))
	}
	transfersIndexed.Add(float64(inserted))
	indexerTicks.WithLabelValues("ok").Inc()
	return inserted, nil
}

// buildRows converts decoded logs into observation rows. A log with a nil or
// over-int64 amount cannot enter the ledger: the batch truncates below its
// block and the cursor holds there, so the log stays in scan range instead
// of being silently dropped.
func (ix *Indexer) buildRows(logs []chain.Transfer, to uint64) ([]store.ObservedTransfer, uint64) {
	for _, t := range logs {
		if t.Amount == nil || !t.Amount.IsInt64() {
			log.Printf("[INDEXER] malformed transfer log %s:%d at block %d", t.TxHash, t.LogIndex, t.Block)
			to = t.Block - 1
			break
		}
	}
	rows := make([]store.ObservedTransfer, 0, len(logs))
	for _, t := range logs {
		if t.Block > to {
			break
		}
		rows = append(rows, store.ObservedTransfer{
			ChainID:         ix.chainID,
			TxHash:          t.TxHash,
			LogIndex:        t.LogIndex,
			FromAddress:     t.From,
			ToAddress:       t.To,
			AmountMicroUSDC: t.Amount.Int64(),
			BlockNumber:     t.Block,
		})
	}
	return rows, to
}

// Run ticks until the context is done.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ix.Tick(ctx); err != nil {
				log.Printf("[INDEXER] tick: %v", err)
			}
		}
	}
}

// Package events publishes best-effort change notifications to Redis.
// Publishing never blocks a write path: failures are logged and dropped,
// subscribers reconcile from the database.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the single pub/sub channel every notification goes to.
const Channel = "backoffice:events"

// Event kinds.
const (
	KindRevenueAppended    = "revenue_event.appended"
	KindExpenseAppended    = "expense_event.appended"
	KindCapitalAppended    = "capital_event.appended"
	KindSettlementComputed = "settlement.computed"
	KindReconciled         = "reconciliation.computed"
	KindTxTaskEnqueued     = "tx_task.enqueued"
	KindTxTaskFinished     = "tx_task.finished"
	KindGitTaskEnqueued    = "git_task.enqueued"
	KindGitTaskFinished    = "git_task.finished"
	KindBountyTransition   = "bounty.transition"
)

// Publisher fans out events. A nil *Publisher is a valid no-op, so wiring
// code can pass the result of NewPublisher("") straight through.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher returns nil when addr is empty (publishing disabled).
func NewPublisher(addr, password string) *Publisher {
	if addr == "" {
		return nil
	}
	return &Publisher{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})}
}

// Publish sends one event. Errors are swallowed after logging.
func (p *Publisher) Publish(ctx context.Context, kind string, payload any) {
	if p == nil || p.rdb == nil {
		return
	}
	msg, err := json.Marshal(map[string]any{
		"kind":    kind,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
		"payload": payload,
	})
	if err != nil {
		log.Printf("[EVENTS] marshal %s: %v", kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, Channel, msg).Err(); err != nil {
		log.Printf("[EVENTS] publish %s: %v", kind, err)
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}

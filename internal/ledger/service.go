// Package ledger is the append-only accounting core. Every mutation is an
// insert with a caller-supplied idempotency key; balances are aggregate
// queries, never cached columns. Each accepted append commits atomically
// with its audit row.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strconv"

	"github.com/agentdao/backoffice/internal/events"
	"github.com/agentdao/backoffice/internal/store"
)

var monthPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidationError names the first rejected field so the API layer can emit
// a validation:<field> hint.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Field
}

// ValidMonth reports whether key is a YYYYMM calendar month.
func ValidMonth(key string) bool {
	if !monthPattern.MatchString(key) {
		return false
	}
	m, err := strconv.Atoi(key[4:])
	return err == nil && m >= 1 && m <= 12
}

// Service owns ledger appends and balance reads.
type Service struct {
	store *store.Store
	pub   *events.Publisher
}

// New builds the ledger service. pub may be nil.
func New(st *store.Store, pub *events.Publisher) *Service {
	return &Service{store: st, pub: pub}
}

// validateEvent is shared by revenue and expense appends.
func validateEvent(ev *store.LedgerEvent) error {
	if !ValidMonth(ev.ProfitMonthID) {
		return &ValidationError{Field: "profit_month_id"}
	}
	if ev.AmountMicroUSDC < 0 {
		return &ValidationError{Field: "amount_micro_usdc"}
	}
	if ev.Source == "" {
		return &ValidationError{Field: "source"}
	}
	if ev.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key"}
	}
	return nil
}

// AppendRevenue records a revenue event, committing the audit row in the
// same transaction. A duplicate idempotency key returns the prior row with
// created=false.
func (s *Service) AppendRevenue(ctx context.Context, ev *store.LedgerEvent, auditRow *store.AuditRow) (*store.LedgerEvent, bool, error) {
	if err := validateEvent(ev); err != nil {
		return nil, false, err
	}
	var out *store.LedgerEvent
	var created bool
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, created, err = s.store.AppendRevenueEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, auditRow)
	})
	if err != nil {
		return nil, false, fmt.Errorf("append revenue: %w", err)
	}
	if created {
		log.Printf("[LEDGER] revenue %s month=%s amount=%d", out.EventID, out.ProfitMonthID, out.AmountMicroUSDC)
		s.pub.Publish(ctx, events.KindRevenueAppended, out)
	}
	return out, created, nil
}

// AppendExpense records an expense event (Source carries the category).
func (s *Service) AppendExpense(ctx context.Context, ev *store.LedgerEvent, auditRow *store.AuditRow) (*store.LedgerEvent, bool, error) {
	if err := validateEvent(ev); err != nil {
		return nil, false, err
	}
	var out *store.LedgerEvent
	var created bool
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, created, err = s.store.AppendExpenseEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, auditRow)
	})
	if err != nil {
		return nil, false, fmt.Errorf("append expense: %w", err)
	}
	if created {
		log.Printf("[LEDGER] expense %s month=%s amount=%d category=%s", out.EventID, out.ProfitMonthID, out.AmountMicroUSDC, out.Source)
		s.pub.Publish(ctx, events.KindExpenseAppended, out)
	}
	return out, created, nil
}

// AppendCapital records a signed project-capital delta. Negative deltas are
// outflows; the spend gate decides whether an outflow may proceed before
// this is called.
func (s *Service) AppendCapital(ctx context.Context, ev *store.CapitalEvent, auditRow *store.AuditRow) (*store.CapitalEvent, bool, error) {
	if ev.ProjectID == "" {
		return nil, false, &ValidationError{Field: "project_id"}
	}
	if ev.ProfitMonthID != "" && !ValidMonth(ev.ProfitMonthID) {
		return nil, false, &ValidationError{Field: "profit_month_id"}
	}
	if ev.Source == "" {
		return nil, false, &ValidationError{Field: "source"}
	}
	if ev.IdempotencyKey == "" {
		return nil, false, &ValidationError{Field: "idempotency_key"}
	}
	var out *store.CapitalEvent
	var created bool
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, created, err = s.store.AppendCapitalEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, auditRow)
	})
	if err != nil {
		return nil, false, fmt.Errorf("append capital: %w", err)
	}
	if created {
		log.Printf("[LEDGER] capital %s project=%s amount=%d", out.EventID, out.ProjectID, out.AmountMicroUSDC)
		s.pub.Publish(ctx, events.KindCapitalAppended, out)
	}
	return out, created, nil
}

// CapitalBalance is the signed sum of a project's capital events.
func (s *Service) CapitalBalance(ctx context.Context, projectID string) (int64, error) {
	return s.store.SumCapitalForProject(ctx, projectID)
}

// RevenueBalance is the cumulative revenue attributed to a project.
func (s *Service) RevenueBalance(ctx context.Context, projectID string) (int64, error) {
	return s.store.SumRevenueForProject(ctx, projectID)
}

func (s *Service) audit(ctx context.Context, tx *sql.Tx, row *store.AuditRow) error {
	if row == nil {
		return nil
	}
	return s.store.InsertAudit(ctx, tx, row)
}

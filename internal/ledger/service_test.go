package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdao/backoffice/internal/store"
)

func TestValidMonth(t *testing.T) {
	valid := []string{"202501", "202512", "199901", "000001"}
	for _, m := range valid {
		assert.True(t, ValidMonth(m), m)
	}

	invalid := []string{
		"",
		"202500",   // month 00
		"202513",   // month 13
		"2025-01",  // separator
		"20251",    // too short
		"2025011",  // too long
		"2025ab",   // non-numeric
		" 202501",  // whitespace
		"202501\n", // trailing newline
	}
	for _, m := range invalid {
		assert.False(t, ValidMonth(m), "%q", m)
	}
}

func TestValidateEvent_FirstFailingField(t *testing.T) {
	base := func() *store.LedgerEvent {
		return &store.LedgerEvent{
			ProfitMonthID:   "202508",
			AmountMicroUSDC: 1_000_000,
			Source:          "subscription",
			IdempotencyKey:  "rev:test:1",
		}
	}

	assert.NoError(t, validateEvent(base()))

	cases := []struct {
		name   string
		mutate func(*store.LedgerEvent)
		field  string
	}{
		{"bad month", func(ev *store.LedgerEvent) { ev.ProfitMonthID = "202513" }, "profit_month_id"},
		{"negative amount", func(ev *store.LedgerEvent) { ev.AmountMicroUSDC = -1 }, "amount_micro_usdc"},
		{"missing source", func(ev *store.LedgerEvent) { ev.Source = "" }, "source"},
		{"missing key", func(ev *store.LedgerEvent) { ev.IdempotencyKey = "" }, "idempotency_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := base()
			tc.mutate(ev)
			err := validateEvent(ev)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateEvent_ZeroAmountAllowed(t *testing.T) {
	ev := &store.LedgerEvent{
		ProfitMonthID:   "202508",
		AmountMicroUSDC: 0,
		Source:          "adjustment",
		IdempotencyKey:  "rev:zero:1",
	}
	assert.NoError(t, validateEvent(ev))
}

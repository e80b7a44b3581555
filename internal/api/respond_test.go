package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Result {
	t.Helper()
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestWriteData(t *testing.T) {
	rec := httptest.NewRecorder()
	writeData(rec, map[string]any{"balance": 42})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	res := decode(t, rec)
	assert.True(t, res.Success)
	assert.Empty(t, res.BlockedReason)
}

func TestWriteBlocked_Is200(t *testing.T) {
	// Gate refusals are application outcomes, not transport errors.
	rec := httptest.NewRecorder()
	writeBlocked(rec, "insufficient_project_capital", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient_project_capital", res.BlockedReason)
}

func TestWriteValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	writeValidation(rec, "profit_month_id")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	res := decode(t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "validation:profit_month_id", res.Detail)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusForbidden, "signature_mismatch")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	res := decode(t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "signature_mismatch", res.Detail)
}

func TestAuthContext(t *testing.T) {
	a := &Auth{ActorType: "oracle", RequestID: "req-1", BodyHash: "abc", SignatureStatus: "ok"}
	ctx := withAuth(context.Background(), a)
	assert.Same(t, a, AuthFrom(ctx))

	// Unauthenticated paths get a zero value, never nil.
	zero := AuthFrom(context.Background())
	require.NotNil(t, zero)
	assert.Empty(t, zero.ActorType)
}

func TestAuditRow(t *testing.T) {
	a := &Auth{ActorType: "agent", ActorID: "agent_1", BodyHash: "h", RequestID: "r", SignatureStatus: "ok"}
	row := a.auditRow("POST", "/api/v1/oracle/revenue-events", "rev:1", "br=x;")

	assert.Equal(t, "agent", row.ActorType)
	assert.Equal(t, "agent_1", row.ActorID)
	assert.Equal(t, "POST", row.Method)
	assert.Equal(t, "rev:1", row.IdempotencyKey)
	assert.Equal(t, "br=x;", row.ErrorHint)

	// Unattributed calls audit as system.
	sys := (&Auth{}).auditRow("GET", "/healthz", "", "")
	assert.Equal(t, "system", sys.ActorType)
}

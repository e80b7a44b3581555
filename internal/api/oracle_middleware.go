package api

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/agentdao/backoffice/internal/oracle"
	"github.com/agentdao/backoffice/internal/store"
)

// Signature statuses recorded on audit rows.
const (
	sigOK       = "ok"
	sigOKLegacy = "ok_legacy"
	sigInvalid  = "invalid"
	sigStale    = "stale"
	sigReplay   = "replay"
)

const maxOracleBody = 1 << 20 // 1 MiB

// oracleGate authenticates every oracle request: header triple, timestamp
// window, nonce replay lock, then HMAC v2 (optional v1 fallback). Each
// rejection writes an audit row before responding.
func (s *Server) oracleGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tsHeader := r.Header.Get("X-Request-Timestamp")
		requestID := r.Header.Get("X-Request-Id")
		signature := r.Header.Get("X-Signature")
		if tsHeader == "" || requestID == "" || signature == "" {
			s.rejectOracle(w, r, http.StatusForbidden, sigInvalid, requestID,
				"missing_required_oracle_headers")
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			s.rejectOracle(w, r, http.StatusForbidden, sigInvalid, requestID, "bad_timestamp")
			return
		}
		window := int64((s.cfg.OracleRequestTTL + s.cfg.OracleClockSkew) / time.Second)
		if math.Abs(float64(time.Now().Unix()-ts)) > float64(window) {
			s.rejectOracle(w, r, http.StatusForbidden, sigStale, requestID, "stale_timestamp")
			return
		}

		// The nonce insert is the replay lock.
		if err := s.store.InsertOracleNonce(r.Context(), requestID); err != nil {
			if errors.Is(err, store.ErrNonceReplay) {
				s.rejectOracle(w, r, http.StatusConflict, sigReplay, requestID, "request_id_replayed")
				return
			}
			writeError(w, http.StatusInternalServerError, "nonce check failed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxOracleBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		bodyHash := oracle.HashBody(body)

		status := sigOK
		expected := oracle.SignV2(s.cfg.OracleHMACSecret, ts, requestID, r.Method, r.URL.Path, bodyHash)
		if !oracle.VerifyHex(expected, signature) {
			legacy := oracle.SignV1(s.cfg.OracleHMACSecret, ts, bodyHash)
			if s.cfg.AcceptLegacySignatures && oracle.VerifyHex(legacy, signature) {
				status = sigOKLegacy
			} else {
				s.rejectOracle(w, r, http.StatusForbidden, sigInvalid, requestID, "signature_mismatch")
				return
			}
		}

		oracleAuth.WithLabelValues(status).Inc()
		auth := &Auth{
			ActorType:       "oracle",
			BodyHash:        bodyHash,
			RequestID:       requestID,
			SignatureStatus: status,
		}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), auth)))
	})
}

func (s *Server) rejectOracle(w http.ResponseWriter, r *http.Request, httpStatus int, sigStatus, requestID, hint string) {
	oracleAuth.WithLabelValues(sigStatus).Inc()
	row := &store.AuditRow{
		ActorType:       "oracle",
		Method:          r.Method,
		Path:            r.URL.Path,
		SignatureStatus: sigStatus,
		RequestID:       requestID,
		ErrorHint:       hint,
	}
	if err := s.store.InsertAudit(r.Context(), nil, row); err != nil {
		log.Printf("[API] audit rejected oracle request: %v", err)
	}
	writeJSON(w, httpStatus, Result{Success: false, Detail: hint})
}

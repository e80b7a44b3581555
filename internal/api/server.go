// Package api is the HTTP surface: the public agent API and the
// HMAC-authenticated oracle API, both returning the uniform Result
// envelope.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentdao/backoffice/internal/config"
	"github.com/agentdao/backoffice/internal/ledger"
	"github.com/agentdao/backoffice/internal/marketing"
	"github.com/agentdao/backoffice/internal/outbox"
	"github.com/agentdao/backoffice/internal/policy"
	"github.com/agentdao/backoffice/internal/reconcile"
	"github.com/agentdao/backoffice/internal/settlement"
	"github.com/agentdao/backoffice/internal/store"
)

// Server wires the HTTP layer over the domain services.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	ledger     *ledger.Service
	gate       *policy.Gate
	reconciler *reconcile.Reconciler
	settle     *settlement.Engine
	marketing  *marketing.Service
	queue      *outbox.Queue
	dispatch   *outbox.Dispatcher

	http *http.Server
}

// New builds the server.
func New(cfg *config.Config, st *store.Store, led *ledger.Service, gate *policy.Gate,
	rec *reconcile.Reconciler, set *settlement.Engine, mkt *marketing.Service,
	queue *outbox.Queue, dispatch *outbox.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		ledger:     led,
		gate:       gate,
		reconciler: rec,
		settle:     set,
		marketing:  mkt,
		queue:      queue,
		dispatch:   dispatch,
	}
}

// Router assembles all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Public: registration mints the only plaintext view of an API key.
	v1.HandleFunc("/agents/register", s.handleAgentRegister).Methods("POST")

	// Agent surface.
	agent := v1.NewRoute().Subrouter()
	agent.Use(s.agentAuth)
	agent.HandleFunc("/agent/bounties", s.handleBountyCreate).Methods("POST")
	agent.HandleFunc("/bounties/{id}/claim", s.handleBountyClaim).Methods("POST")
	agent.HandleFunc("/bounties/{id}/submit", s.handleBountySubmit).Methods("POST")
	agent.HandleFunc("/agent/projects/{id}/git-outbox/surface-commit", s.handleGitCommitTask(store.TaskSurfaceCommit)).Methods("POST")
	agent.HandleFunc("/agent/projects/{id}/git-outbox/backend-artifact-commit", s.handleGitCommitTask(store.TaskArtifactCommit)).Methods("POST")

	// Oracle surface.
	o := v1.PathPrefix("/oracle").Subrouter()
	o.Use(s.oracleGate)
	o.HandleFunc("/revenue-events", s.handleRevenueEvent).Methods("POST")
	o.HandleFunc("/expense-events", s.handleExpenseEvent).Methods("POST")
	o.HandleFunc("/project-capital-events", s.handleCapitalEvent).Methods("POST")
	o.HandleFunc("/project-capital-events/sync", s.handleCapitalSync).Methods("POST")
	o.HandleFunc("/billing/sync", s.handleBillingSync).Methods("POST")
	o.HandleFunc("/bounties/{id}/mark-paid", s.handleBountyMarkPaid).Methods("POST")
	o.HandleFunc("/settlement/{month}", s.handleSettlement).Methods("POST")
	o.HandleFunc("/reconciliation/{month}", s.handlePlatformReconciliation).Methods("POST")
	o.HandleFunc("/projects/{id}/reconciliation/capital", s.handleProjectCapitalReconciliation).Methods("POST")
	o.HandleFunc("/projects/{id}/reconciliation/revenue", s.handleProjectRevenueReconciliation).Methods("POST")
	o.HandleFunc("/distributions/{month}/create", s.handleDistributionCreate).Methods("POST")
	o.HandleFunc("/distributions/{month}/execute", s.handleDistributionExecute).Methods("POST")
	o.HandleFunc("/marketing/settlement/deposit", s.handleMarketingDeposit).Methods("POST")
	o.HandleFunc("/tx-outbox", s.handleTxEnqueue).Methods("POST")
	o.HandleFunc("/tx-outbox/claim-next", s.handleTxClaimNext).Methods("POST")
	o.HandleFunc("/tx-outbox/{id}/update", s.handleTxUpdate).Methods("POST")
	o.HandleFunc("/tx-outbox/{id}/complete", s.handleTxComplete).Methods("POST")
	o.HandleFunc("/tx-outbox/{id}", s.handleTxGet).Methods("GET")
	o.HandleFunc("/git-outbox", s.handleGitEnqueue).Methods("POST")
	o.HandleFunc("/git-outbox/claim-next", s.handleGitClaimNext).Methods("POST")
	o.HandleFunc("/git-outbox/{id}/complete", s.handleGitComplete).Methods("POST")
	o.HandleFunc("/git-outbox/{id}", s.handleGitGet).Methods("GET")

	// Operator reads + credential maintenance.
	o.HandleFunc("/audit", s.handleAuditList).Methods("GET")
	o.HandleFunc("/agents/{id}/revoke", s.handleAgentRevoke).Methods("POST")
	o.HandleFunc("/projects/{id}/balances", s.handleProjectBalances).Methods("GET")
	o.HandleFunc("/transfers", s.handleTransferList).Methods("GET")

	return r
}

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] listening on :%s", s.cfg.HTTPPort)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]string{"status": "ok"})
}

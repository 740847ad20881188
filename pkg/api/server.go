// Package api exposes a read-only REST view of the engine: accounts, oracle
// price records, and the asset registry.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionvault/pkg/engine/account"
	"github.com/uhyunpark/optionvault/pkg/engine/liquidation"
	"github.com/uhyunpark/optionvault/pkg/engine/oracle"
	"github.com/uhyunpark/optionvault/pkg/engine/registry"
)

// Server handles the REST API
type Server struct {
	accounts   *account.Manager
	oracle     *oracle.Oracle
	reg        *registry.Registry
	liquidator *liquidation.Engine
	router     *mux.Router
	httpSrv    *http.Server
	log        *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(accounts *account.Manager, orc *oracle.Oracle, reg *registry.Registry, liq *liquidation.Engine, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		accounts:   accounts,
		oracle:     orc,
		reg:        reg,
		liquidator: liq,
		router:     mux.NewRouter(),
		log:        log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/health", s.handleGetAccountHealth).Methods("GET")

	// Oracle endpoints
	api.HandleFunc("/oracle/{base}/{quote}/{expiry}", s.handleGetOracleRecord).Methods("GET")

	// Registry endpoints
	api.HandleFunc("/registry/assets", s.handleGetAssets).Methods("GET")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: c.Handler(s.router),
	}

	s.log.Infow("api_server_starting", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addressStr)

	acc := s.accounts.GetAccount(addr)
	minCollateral, err := s.accounts.MinCollateralOf(addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "margin requirement unavailable", err.Error())
		return
	}

	respondJSON(w, AccountInfo{
		Address:          addr.Hex(),
		ShortOptionID:    acc.ShortOptionID.Hex(),
		ShortAmount:      acc.ShortAmount,
		CollateralID:     acc.CollateralID,
		CollateralAmount: acc.CollateralAmount,
		MinCollateral:    minCollateral,
	})
}

func (s *Server) handleGetAccountHealth(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addressStr)

	health, err := s.liquidator.Check(addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "health check failed", err.Error())
		return
	}

	respondJSON(w, AccountHealthInfo{
		Address:          addr.Hex(),
		MinCollateral:    health.MinCollateral,
		CollateralAmount: health.CollateralAmount,
		Liquidatable:     health.Liquidatable,
	})
}

func (s *Server) handleGetOracleRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["base"]) || !common.IsHexAddress(vars["quote"]) {
		respondError(w, http.StatusBadRequest, "invalid pair address", "")
		return
	}
	base := common.HexToAddress(vars["base"])
	quote := common.HexToAddress(vars["quote"])

	expiry, err := strconv.ParseUint(vars["expiry"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid expiry", err.Error())
		return
	}

	rec, ok := s.oracle.GetRecord(base, quote, expiry)
	if !ok {
		respondError(w, http.StatusNotFound, "price not reported", "")
		return
	}

	respondJSON(w, OracleRecordInfo{
		Base:       base.Hex(),
		Quote:      quote.Hex(),
		Expiry:     expiry,
		Price:      rec.Price,
		ReportedAt: rec.ReportedAt,
		Disputed:   rec.Disputed,
		Finalized:  s.oracle.IsFinalized(base, quote, expiry),
	})
}

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.reg.ListAssets()

	response := make([]AssetInfo, len(assets))
	for i, a := range assets {
		response[i] = AssetInfo{
			ID:       a.ID,
			Address:  a.Address.Hex(),
			Decimals: a.Decimals,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Time: time.Now().UnixMilli()})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

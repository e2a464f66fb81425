// Package server exposes the bump engine over HTTP for the dashboard,
// chat-command front end, and the external tick timer.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"clawdbump/chain"
	"clawdbump/distribution"
	"clawdbump/ledger"
	"clawdbump/models"
	"clawdbump/rotation"
	"clawdbump/session"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Engine    *distribution.Engine
	Scheduler *rotation.Scheduler
	Sessions  *session.Manager
	Runner    SessionRunner
	Auth      *Authenticator
	Logger    *slog.Logger
	ReadLimit RateLimit
}

// SessionRunner is notified when sessions start and stop so the tick driver
// can register or cancel the session's schedule.
type SessionRunner interface {
	Register(sess models.BumpSession)
	Deregister(sessionID uuid.UUID)
}

// Server hosts the bump engine API.
type Server struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	engine      *distribution.Engine
	scheduler   *rotation.Scheduler
	sessions    *session.Manager
	runner      SessionRunner
	auth        *Authenticator
	log         *slog.Logger
	readLimiter *RateLimiter
	router      http.Handler
}

// New constructs a configured HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		db:        cfg.DB,
		ledger:    cfg.Ledger,
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		sessions:  cfg.Sessions,
		runner:    cfg.Runner,
		auth:      cfg.Auth,
		log:       cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.readLimiter = NewRateLimiter(cfg.ReadLimit, s.log)
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.readLimiter.Middleware)
			public.Get("/credit/{address}", s.getCredit)
			public.Get("/logs/{address}", s.getLogs)
			public.Get("/sessions/{address}", s.getSession)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			protected.Post("/sessions", s.startSession)
			protected.Post("/sessions/stop", s.stopSession)
			protected.Post("/tick", s.tick)
			protected.Post("/distribute", s.distribute)
			protected.Post("/credit/add", s.addCredit)
			protected.Post("/credit/sync", s.syncCredit)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionPayload struct {
	ID              string     `json:"id"`
	UserAddress     string     `json:"user_address"`
	TokenAddress    string     `json:"token_address"`
	AmountUSD       float64    `json:"amount_usd"`
	IntervalSeconds int        `json:"interval_seconds"`
	RotationIndex   int        `json:"rotation_index"`
	Status          string     `json:"status"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
}

func sessionToPayload(sess *models.BumpSession) sessionPayload {
	return sessionPayload{
		ID:              sess.ID.String(),
		UserAddress:     sess.UserAddress,
		TokenAddress:    sess.TokenAddress,
		AmountUSD:       sess.AmountUSD,
		IntervalSeconds: sess.IntervalSeconds,
		RotationIndex:   sess.WalletRotationIndex,
		Status:          sess.Status,
		StoppedAt:       sess.StoppedAt,
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress     string  `json:"user_address"`
		TokenAddress    string  `json:"token_address"`
		AmountUSD       float64 `json:"amount_usd"`
		IntervalSeconds int     `json:"interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.UserAddress) || !common.IsHexAddress(req.TokenAddress) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.UserAddress, req.TokenAddress,
		req.AmountUSD, time.Duration(req.IntervalSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.runner != nil {
		s.runner.Register(*sess)
	}
	writeJSON(w, http.StatusCreated, sessionToPayload(sess))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress string `json:"user_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Stop(r.Context(), req.UserAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": models.SessionStopped})
		return
	}
	if s.runner != nil {
		s.runner.Deregister(sess.ID)
	}
	writeJSON(w, http.StatusOK, sessionToPayload(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.GetByUser(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToPayload(sess))
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string `json:"session_id"`
		WalletIndex int    `json:"wallet_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	result, err := s.scheduler.Tick(r.Context(), sessionID, req.WalletIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := map[string]any{
		"outcome":      string(result.Outcome),
		"session_id":   result.SessionID.String(),
		"wallet_index": result.WalletIndex,
		"next_index":   result.NextIndex,
	}
	if result.RequiredWei != nil {
		payload["required_wei"] = result.RequiredWei.String()
	}
	if result.TxHash != "" {
		payload["tx_hash"] = result.TxHash
	}
	if result.Reason != "" {
		payload["reason"] = result.Reason
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) distribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress  string `json:"user_address"`
		PreferNative bool   `json:"prefer_native"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Distribute(r.Context(), req.UserAddress, req.PreferNative)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shares := make([]map[string]any, 0, len(result.Shares))
	for _, share := range result.Shares {
		shares = append(shares, map[string]any{
			"satellite":  share.Satellite.Hex(),
			"amount_wei": share.AmountWei.String(),
			"native":     share.Native,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash":       result.TxHash,
		"total_wei":     result.TotalWei.String(),
		"distributions": shares,
	})
}

func (s *Server) addCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress string `json:"user_address"`
		AmountWei   string `json:"amount_wei"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	amount, err := models.ParseWei(req.AmountWei)
	if err != nil || amount.Sign() <= 0 {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	balance, err := s.ledger.AddMainCredit(r.Context(), req.UserAddress,
		common.HexToAddress(req.UserAddress), amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"main_wei": balance.String()})
}

func (s *Server) syncCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress string `json:"user_address"`
		Force       bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	mode := ledger.SyncRaiseOnly
	if req.Force {
		mode = ledger.SyncForce
	}
	if _, err := s.ledger.SyncMainCredit(r.Context(), req.UserAddress,
		common.HexToAddress(req.UserAddress), mode); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ledger.SyncAllSatellites(r.Context(), req.UserAddress); err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.ledger.GetTotalCredit(r.Context(), req.UserAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"main_wei":       balance.MainWei.String(),
		"satellites_wei": balance.SatellitesWei.String(),
		"total_wei":      balance.TotalWei.String(),
	})
}

func (s *Server) getCredit(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	balance, err := s.ledger.GetTotalCredit(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"main_wei":       balance.MainWei.String(),
		"satellites_wei": balance.SatellitesWei.String(),
		"total_wei":      balance.TotalWei.String(),
	})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	var entries []models.BumpLog
	err := s.db.WithContext(r.Context()).
		Where("user_address = ?", models.NormalizeAddress(address)).
		Order("created_at desc").
		Limit(200).
		Find(&entries).Error
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"satellite":  entry.SatelliteAddress,
			"action":     entry.Action,
			"status":     entry.Status,
			"message":    entry.Message,
			"amount_wei": entry.AmountWei,
			"tx_hash":    entry.TxHash,
			"created_at": entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": payload})
}

// writeError maps engine errors onto HTTP statuses so callers see the
// failure taxonomy in plain terms.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrIncompleteWalletSet),
		errors.Is(err, distribution.ErrIncompleteWalletSet):
		http.Error(w, "satellite wallet set incomplete", http.StatusUnprocessableEntity)
	case errors.Is(err, distribution.ErrNoCreditAvailable):
		http.Error(w, "no credit available", http.StatusConflict)
	case errors.Is(err, rotation.ErrWalletNotFound):
		http.Error(w, "wallet not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrIntegrityAnomaly):
		http.Error(w, "ledger integrity anomaly", http.StatusConflict)
	case errors.Is(err, chain.ErrConfirmTimeout):
		// Retryable: the upstream never confirmed within the deadline.
		http.Error(w, "confirmation timed out", http.StatusGatewayTimeout)
	default:
		s.log.Error("request failed", "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package dashboard serves the read-only status surface of the engine:
// active trade, daily risk, halt/kill state and session statistics,
// plus the one admin verb that exists, clearing the kill switch.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tradexec/internal/config"
	"tradexec/internal/models"
	"tradexec/internal/risk"
	"tradexec/internal/storage"
)

// EngineStatus is the minimal view of the engine the server needs.
type EngineStatus interface {
	Halted() (bool, string)
}

// Server is the HTTP status server.
type Server struct {
	router *chi.Mux
	server *http.Server
	store  storage.Interface
	risk   *risk.Manager
	engine EngineStatus
	logger *log.Logger
	listen string
}

// NewServer builds the status server on the configured listen address.
func NewServer(cfg config.DashboardConfig, store storage.Interface, rm *risk.Manager,
	engine EngineStatus, logger *log.Logger) *Server {

	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		risk:   rm,
		engine: engine,
		logger: logger,
		listen: cfg.Listen,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(15 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/trade", s.handleActiveTrade)
	s.router.Get("/api/trade/{id}", s.handleTrade)
	s.router.Get("/api/risk", s.handleRisk)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Delete("/admin/kill", s.handleClearKill)
}

// Start runs the server until Shutdown. Blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Printf("dashboard: listening on %s", s.listen)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("dashboard: encoding response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	halted, haltReason := s.engine.Halted()
	killed, killReason := s.risk.Killed()
	dailyState, dailyReason := s.risk.DailyState()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted":       halted,
		"halt_reason":  haltReason,
		"killed":       killed,
		"kill_reason":  killReason,
		"daily_state":  dailyState,
		"daily_reason": dailyReason,
		"date":         s.risk.Date(),
		"time":         time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleActiveTrade(w http.ResponseWriter, r *http.Request) {
	active := s.store.GetActiveTrades()
	if len(active) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": active[0]})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tr, err := s.store.GetTrade(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "trade not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trade":  tr,
		"links":  s.store.GetLinksByTrade(id),
		"orders": s.store.GetLiveOrderSnapshotsByTradeIDs([]string{id})[id],
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	date := s.risk.Date()
	daily, _ := s.store.GetDailyRisk(date)
	state, _ := s.store.GetRiskState(date)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"daily":        daily,
		"state":        state,
		"realized_pnl": s.risk.RealizedPnl(),
		"failures":     s.risk.ConsecutiveFailures(),
	})
}

// handleStats summarizes the closed-trade history of the store.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	closed := s.store.GetTradesClosedSince(time.Time{})
	s.writeJSON(w, http.StatusOK, computeStatistics(closed))
}

// handleClearKill is the operator path out of a latched kill switch.
func (s *Server) handleClearKill(w http.ResponseWriter, r *http.Request) {
	killed, reason := s.risk.Killed()
	if !killed {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"killed": false})
		return
	}
	s.risk.ClearKill()
	s.logger.Printf("dashboard: kill switch cleared by operator (was: %s)", reason)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"killed":  false,
		"cleared": reason,
	})
}

// Statistics is the session trade summary.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnl      float64 `json:"total_pnl"`
	AveragePnl    float64 `json:"average_pnl"`
	FailedEntries int     `json:"failed_entries"`
}

func computeStatistics(closed []models.Trade) Statistics {
	var stats Statistics
	for i := range closed {
		tr := &closed[i]
		if tr.Status == models.StatusEntryFailed {
			stats.FailedEntries++
			continue
		}
		pnl := tr.RealizedPnl()
		stats.TotalTrades++
		stats.TotalPnl += pnl
		if pnl > 0 {
			stats.WinningTrades++
		} else if pnl < 0 {
			stats.LosingTrades++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
		stats.AveragePnl = stats.TotalPnl / float64(stats.TotalTrades)
	}
	return stats
}

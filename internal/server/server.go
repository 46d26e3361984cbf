// Package server exposes the enriched flight data over REST and WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/planetracker/planetracker/internal/enrich"
)

// Server holds the HTTP router and its dependencies
type Server struct {
	router    *chi.Mux
	pipeline  *enrich.Pipeline
	hub       *Hub
	logger    *log.Logger
	startedAt time.Time
}

// New builds the server around an enrichment pipeline.
func New(pipeline *enrich.Pipeline, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		pipeline:  pipeline,
		hub:       NewHub(logger),
		logger:    logger,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler for an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// Broadcast pushes an enriched snapshot to every connected WebSocket client.
// Wired as the pipeline's background-refresh callback.
func (s *Server) Broadcast(records []enrich.Record, fresh bool) {
	s.hub.Broadcast(map[string]interface{}{
		"type":      "flights",
		"flights":   records,
		"count":     len(records),
		"is_fresh":  fresh,
		"timestamp": time.Now().Unix(),
	})
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/flights", s.handleGetFlights)
		r.Get("/flights/refresh", s.handleRefreshFlights)
		r.Get("/flights/{icao24}", s.handleGetFlight)
		r.Get("/flights/{icao24}/altitude", s.handleGetAltitude)
		r.Get("/flights/{icao24}/trajectory", s.handleGetTrajectory)
		r.Get("/status", s.handleGetStatus)
		r.Get("/rate-limit", s.handleGetRateLimit)
	})

	r.Get("/ws", s.hub.HandleConnection)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"timestamp":      time.Now().Unix(),
	})
}

// handleGetFlights returns the current enriched snapshot
func (s *Server) handleGetFlights(w http.ResponseWriter, r *http.Request) {
	s.respondFlights(w, r, false)
}

// handleRefreshFlights bypasses the cache window; budget limits still apply
func (s *Server) handleRefreshFlights(w http.ResponseWriter, r *http.Request) {
	s.respondFlights(w, r, true)
}

func (s *Server) respondFlights(w http.ResponseWriter, r *http.Request, force bool) {
	records, fresh := s.pipeline.EnrichedSnapshot(r.Context(), force)
	if records == nil {
		records = []enrich.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"flights":   records,
		"count":     len(records),
		"is_fresh":  fresh,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetFlight(w http.ResponseWriter, r *http.Request) {
	icao24 := chi.URLParam(r, "icao24")

	record, err := s.pipeline.Record(r.Context(), icao24)
	if err != nil {
		s.respondLookupError(w, icao24, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"flight":  record,
	})
}

func (s *Server) handleGetAltitude(w http.ResponseWriter, r *http.Request) {
	icao24 := chi.URLParam(r, "icao24")

	estimate, err := s.pipeline.AltitudeEstimate(icao24)
	if err != nil {
		s.respondLookupError(w, icao24, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"altitude": estimate,
	})
}

func (s *Server) handleGetTrajectory(w http.ResponseWriter, r *http.Request) {
	icao24 := chi.URLParam(r, "icao24")

	horizon := 0.0
	if raw := r.URL.Query().Get("time"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "Invalid time parameter",
			})
			return
		}
		horizon = parsed
	}

	trajectory, err := s.pipeline.Trajectory(r.Context(), icao24, horizon)
	if err != nil {
		s.respondLookupError(w, icao24, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"icao24":     icao24,
		"trajectory": trajectory,
		"count":      len(trajectory),
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	records, fresh := s.pipeline.EnrichedSnapshot(r.Context(), false)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"statistics":     enrich.Stats(records),
		"rate_limit":     s.pipeline.RateStatus(),
		"is_fresh":       fresh,
		"clients":        s.hub.ClientCount(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"rate_limit": s.pipeline.RateStatus(),
	})
}

func (s *Server) respondLookupError(w http.ResponseWriter, icao24 string, err error) {
	if errors.Is(err, enrich.ErrNotTracked) {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "Flight not found",
		})
		return
	}
	s.logger.Printf("lookup %s: %v", icao24, err)
	respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Package api exposes the control plane's REST surface: event ingest
// for detectors, mitigation and safelist management for operators, and
// read-only multi-POP visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/bgp"
	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/decision"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/lifecycle"
	"github.com/bswinnerton/prefixd/internal/safelist"
	"github.com/bswinnerton/prefixd/internal/store"
	"github.com/bswinnerton/prefixd/internal/telemetry"
)

// Server is the HTTP control surface.
type Server struct {
	log       *zap.Logger
	cfg       *config.Config
	engine    *decision.Engine
	repo      store.Repository
	safelist  *safelist.Checker
	lifecycle *lifecycle.Manager
	speaker   bgp.Speaker
	metrics   *telemetry.Metrics

	httpServer *http.Server
}

// NewServer wires the routes.
func NewServer(log *zap.Logger, cfg *config.Config, engine *decision.Engine,
	repo store.Repository, sl *safelist.Checker, lc *lifecycle.Manager,
	speaker bgp.Speaker, metrics *telemetry.Metrics) *Server {

	s := &Server{
		log:       log,
		cfg:       cfg,
		engine:    engine,
		repo:      repo,
		safelist:  sl,
		lifecycle: lc,
		speaker:   speaker,
		metrics:   metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(log, cfg.HTTP.Auth, cfg.HTTP.Auth.BearerToken()))

		r.Post("/events", s.handleIngestEvent)
		r.Get("/events", s.handleListEvents)

		r.Get("/mitigations", s.handleListMitigations)
		r.Get("/mitigations/{id}", s.handleGetMitigation)
		r.Post("/mitigations/{id}/withdraw", s.handleWithdrawMitigation)

		r.Get("/safelist", s.handleListSafelist)
		r.Post("/safelist", s.handleAddSafelist)
		r.Delete("/safelist/{prefix}", s.handleRemoveSafelist)

		r.Get("/audit", s.handleListAudit)
		r.Get("/pops", s.handleListPops)
		r.Get("/stats", s.handleStats)
		r.Get("/peers", s.handlePeers)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ingestRequest is the detector-facing event payload.
type ingestRequest struct {
	ExternalEventID string   `json:"external_event_id"`
	Source          string   `json:"source"`
	EventTimestamp  string   `json:"event_timestamp"`
	VictimIP        string   `json:"victim_ip"`
	Vector          string   `json:"vector"`
	Protocol        *uint8   `json:"protocol,omitempty"`
	BPS             *uint64  `json:"bps,omitempty"`
	PPS             *uint64  `json:"pps,omitempty"`
	TopDstPorts     []uint16 `json:"top_dst_ports,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
}

type decisionResponse struct {
	Outcome    string             `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
	EventID    string             `json:"event_id,omitempty"`
	Mitigation *domain.Mitigation `json:"mitigation,omitempty"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ev := &domain.AttackEvent{
		ExternalEventID: req.ExternalEventID,
		Source:          req.Source,
		EventTimestamp:  time.Now().UTC(),
		VictimIP:        req.VictimIP,
		Vector:          domain.AttackVector(req.Vector),
		Protocol:        req.Protocol,
		BPS:             req.BPS,
		PPS:             req.PPS,
		TopDstPorts:     req.TopDstPorts,
		Confidence:      req.Confidence,
	}
	if req.EventTimestamp != "" {
		ts, err := time.Parse(time.RFC3339, req.EventTimestamp)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid event_timestamp")
			return
		}
		ev.EventTimestamp = ts
	}

	d, err := s.engine.Ingest(r.Context(), ev)
	if err != nil {
		if errors.Is(err, decision.ErrTransient) {
			s.writeError(w, http.StatusServiceUnavailable, "backend unavailable, retry")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	if d.Outcome == decision.OutcomeDuplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, decisionResponse{
		Outcome:    string(d.Outcome),
		Reason:     d.Reason,
		EventID:    d.EventID.String(),
		Mitigation: d.Mitigation,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	events, err := s.repo.ListEvents(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListMitigations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := store.ListFilter{
		Pop:        s.cfg.Pop,
		CustomerID: r.URL.Query().Get("customer_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if r.URL.Query().Get("all_pops") == "true" {
		f.AllPops = true
		f.Pop = ""
	}
	for _, st := range r.URL.Query()["status"] {
		f.Statuses = append(f.Statuses, domain.MitigationStatus(st))
	}

	mitigations, err := s.repo.ListMitigations(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, mitigations)
}

func (s *Server) handleGetMitigation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid mitigation id")
		return
	}

	m, err := s.repo.GetMitigation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "mitigation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

type withdrawRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleWithdrawMitigation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid mitigation id")
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	m, err := s.repo.GetMitigation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "mitigation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if m.Status.IsTerminal() || m.Status == domain.StatusWithdrawing {
		s.writeJSON(w, http.StatusOK, m)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator_withdraw"
	}
	if err := s.lifecycle.Transition(r.Context(), m, domain.StatusWithdrawing,
		domain.ActorOperator, &req.Actor, reason); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, m)
}

type safelistRequest struct {
	Prefix    string     `json:"prefix"`
	AddedBy   string     `json:"added_by"`
	Reason    *string    `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleListSafelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.safelist.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddSafelist(w http.ResponseWriter, r *http.Request) {
	var req safelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Prefix == "" || req.AddedBy == "" {
		s.writeError(w, http.StatusBadRequest, "prefix and added_by are required")
		return
	}

	entry := &domain.SafelistEntry{
		Prefix:    req.Prefix,
		AddedBy:   req.AddedBy,
		AddedAt:   time.Now().UTC(),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.safelist.Add(r.Context(), entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.writeError(w, http.StatusConflict, "prefix already safelisted")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveSafelist(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	removed, err := s.safelist.Remove(r.Context(), prefix)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "prefix not in safelist")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	entries, err := s.repo.ListAudit(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListPops(w http.ResponseWriter, r *http.Request) {
	pops, err := s.repo.ListPops(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, pops)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.speaker.PeerStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"pop":    s.cfg.Pop,
		"mode":   s.cfg.Mode,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

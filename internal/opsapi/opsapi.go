// Copyright 2025 James Ross

// Package opsapi exposes the local, read-only operator HTTP surface:
// /v1/models and /v1/audit, consumed by inferctl. It never accepts
// inference traffic — that stays on the Unix domain socket — so it can
// bind a plain TCP loopback address without touching the transport
// package's framing or handshake path.
package opsapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/PaesslerAG/jsonpath"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/audit"
	"github.com/inferd/inferd/internal/registry"
)

// Server is the ops HTTP surface.
type Server struct {
	reg    *registry.Registry
	auditW *audit.Writer
	log    *zap.Logger
}

// New builds the ops API handler. auditW may be nil if audit logging is disabled.
func New(reg *registry.Registry, auditW *audit.Writer, log *zap.Logger) *Server {
	return &Server{reg: reg, auditW: auditW, log: log}
}

// Router builds the mux.Router serving this API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit", s.handleAudit).Methods(http.MethodGet)
	return r
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.reg.List()
	var total uint64
	for _, m := range models {
		total += m.MemoryBytes
	}
	body := map[string]any{
		"models":             models,
		"total_memory_bytes": total,
	}

	if expr := r.URL.Query().Get("jsonpath"); expr != "" {
		s.writeFiltered(w, body, expr)
		return
	}
	s.writeJSON(w, body)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditW == nil {
		http.Error(w, "audit logging disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.auditW.Recent(limit)
	if err != nil {
		s.log.Warn("audit query failed", zap.Error(err))
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"records": records})
}

// writeFiltered applies a JSONPath expression to body before responding,
// letting a client ask for a narrow slice (e.g. "$.models[?(@.State=='ready')]")
// without the server needing to know every query shape in advance.
func (s *Server) writeFiltered(w http.ResponseWriter, body any, expr string) {
	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		http.Error(w, "decode failed", http.StatusInternalServerError)
		return
	}
	result, err := jsonpath.Get(expr, generic)
	if err != nil {
		http.Error(w, "invalid jsonpath: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("ops api encode failed", zap.Error(err))
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/flytrap/internal/monitor"
)

type statusResponse struct {
	Started     time.Time        `json:"started"`
	Uptime      string           `json:"uptime"`
	FlowsActive int              `json:"flows_active"`
	Services    []serviceStatus  `json:"services"`
	Backends    []monitor.Result `json:"backends,omitempty"`
}

type serviceStatus struct {
	Name        string `json:"name"`
	Listen      string `json:"listen"`
	Backend     string `json:"backend"`
	Proto       string `json:"proto"`
	TLS         bool   `json:"tls"`
	Filter      string `json:"filter,omitempty"`
	Capture     bool   `json:"capture"`
	FlowsActive int    `json:"flows_active"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.opts.Manager.Snapshots()
	perService := make(map[string]int, len(s.opts.Services))
	for _, sn := range snaps {
		perService[sn.Service]++
	}

	resp := statusResponse{
		Started:     s.started,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		FlowsActive: len(snaps),
	}
	for _, svc := range s.opts.Services {
		st := serviceStatus{
			Name:        svc.Name,
			Listen:      svc.ClientAddr(),
			Backend:     svc.ServerAddr(),
			Proto:       "raw",
			TLS:         svc.TLS != nil,
			Capture:     svc.Capture != nil,
			FlowsActive: perService[svc.Name],
		}
		if svc.HTTP != nil {
			st.Proto = "http"
		}
		if svc.Filter != nil {
			st.Filter = svc.Filter.Path
		}
		resp.Services = append(resp.Services, st)
	}
	if s.opts.Monitor != nil {
		resp.Backends = s.opts.Monitor.Results()
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	snaps := s.opts.Manager.Snapshots()
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(snaps),
		"flows": snaps,
	})
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid flow id")
		return
	}
	f, ok := s.opts.Manager.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no active flow %d", id))
		return
	}
	respondJSON(w, http.StatusOK, f.Snapshot())
}

type reloadResult struct {
	Service string `json:"service"`
	Path    string `json:"path"`
	Rules   int    `json:"rules,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleFilterReload reloads every engine's rule file. A failed reload
// leaves that engine on its previous definition, so a partial failure
// reports 500 with per-service detail but never degrades filtering.
func (s *Server) handleFilterReload(w http.ResponseWriter, r *http.Request) {
	results := make([]reloadResult, 0, len(s.opts.Engines))
	failed := false
	for _, eng := range s.opts.Engines {
		res := reloadResult{Service: eng.Service(), Path: eng.Path()}
		if err := eng.Reload(); err != nil {
			res.Error = err.Error()
			failed = true
		} else {
			res.Rules = eng.Definition().Len()
		}
		results = append(results, res)
	}

	status := http.StatusOK
	if failed {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, map[string]any{"results": results})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"events": s.opts.Hub.Recent()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"flows_active": s.opts.Manager.Len(),
	})
}

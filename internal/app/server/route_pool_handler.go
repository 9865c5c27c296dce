package server

import (
	"net/http"
	"strconv"

	"proxybroker/internal/domain"
)

func (s *Server) getPoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Manager.PoolStats(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) reserveProxy(w http.ResponseWriter, r *http.Request) {
	proxy, err := s.deps.Manager.GetProxyFromTaskPool(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) markProxyUsed(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Manager.MarkTaskProxyUsed(r.Context(), id); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markProxyFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Manager.ReportTaskProxyFailed(r.Context(), id); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearPool(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.ClearTaskPool(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionRequest struct {
	TotalTasks int    `json:"total_tasks"`
	Source     string `json:"source"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TotalTasks < 1 {
		writeError(w, "total_tasks must be positive", http.StatusBadRequest)
		return
	}
	source := domain.SourceAPI
	if req.Source != "" {
		var err error
		if source, err = domain.ParseSourceType(req.Source); err != nil {
			writeManagerError(w, err)
			return
		}
	}

	if err := s.deps.Manager.StartTaskSession(r.Context(), req.TotalTasks, source); err != nil {
		writeManagerError(w, err)
		return
	}

	stats, err := s.deps.Manager.PoolStats(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stats)
}

func (s *Server) stopSession(w http.ResponseWriter, _ *http.Request) {
	s.deps.Manager.StopTaskSession()
	w.WriteHeader(http.StatusNoContent)
}

func recordID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "Invalid proxy id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

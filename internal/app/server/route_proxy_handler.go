package server

import (
	"net/http"
	"strconv"

	"proxybroker/internal/domain"
)

const maxBatchCount = 1000

func parseSource(raw string) (domain.SourceType, error) {
	if raw == "" {
		return "", nil
	}
	return domain.ParseSourceType(raw)
}

func (s *Server) getProxy(w http.ResponseWriter, r *http.Request) {
	source, err := parseSource(r.URL.Query().Get("source"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	acquired, err := s.deps.Manager.GetProxy(r.Context(), source)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acquired)
}

type batchRequest struct {
	Count      int    `json:"count"`
	Source     string `json:"source"`
	SaveToPool bool   `json:"save_to_pool"`
}

func (s *Server) getProxiesBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Count < 1 || req.Count > maxBatchCount {
		writeError(w, "count must be between 1 and 1000", http.StatusBadRequest)
		return
	}
	source, err := parseSource(req.Source)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	proxies, err := s.deps.Manager.GetProxiesBatch(r.Context(), req.Count, source, req.SaveToPool)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies, "count": len(proxies)})
}

func (s *Server) getBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.BreakerStats())
}

func (s *Server) getCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.CacheStatus())
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSourceType(r.PathValue("source"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if err := s.deps.Manager.ResetBreaker(source); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshCache(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSourceType(r.PathValue("source"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	acquired, err := s.deps.Manager.RefreshProxyCache(r.Context(), source)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acquired)
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSourceType(r.PathValue("source"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if err := s.deps.Manager.ReportProxyFailure(source); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getChecks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checks == nil {
		writeError(w, "check history is disabled", http.StatusNotFound)
		return
	}
	source, err := parseSource(r.URL.Query().Get("source"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
	}

	checks, err := s.deps.Checks.Recent(r.Context(), source, limit)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (s *Server) getCheckerURLs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.URLs == nil {
		writeError(w, "checker status is unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.URLs.URLStatus())
}

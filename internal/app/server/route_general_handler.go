package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"proxybroker/internal/app/version"
	"proxybroker/internal/auth"
	"proxybroker/internal/breaker"
	"proxybroker/internal/config"
	"proxybroker/internal/jobs/runtime"

	"github.com/charmbracelet/log"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.deps.Admin.Verify(req.Username, req.Password); err != nil {
		writeError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.deps.Issuer.GenerateJWT(req.Username, auth.RoleAdmin)
	if err != nil {
		log.Error("Could not issue token", "error", err)
		writeError(w, "Could not issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) getInstances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Redis == nil {
		writeJSON(w, http.StatusOK, map[string]any{"instances": 1, "id": s.deps.InstanceID})
		return
	}

	count, err := runtime.CountActiveInstances(r.Context(), s.deps.Redis)
	if err != nil {
		log.Error("Could not count instances", "error", err)
		writeError(w, "Could not count instances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": count, "id": s.deps.InstanceID})
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, "settings store is unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

// saveSettings merges the body over the current settings. Components built at
// startup pick the new values up on the next start.
func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, "settings store is unavailable", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	next := s.deps.Settings.Get()
	if err := json.Unmarshal(body, &next); err != nil {
		writeError(w, "Invalid settings", http.StatusBadRequest)
		return
	}
	if err := validateSettings(next); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := s.deps.Settings.Update(func(cfg *config.Config) {
		*cfg = next
	})
	if err != nil {
		log.Error("Could not save settings", "error", err)
		writeError(w, "Could not save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func validateSettings(cfg config.Config) error {
	var errs []error
	if cfg.TaskPool.SafetyFactor < 1 {
		errs = append(errs, errors.New("task_pool.safety_factor must be at least 1"))
	}
	if cfg.TaskPool.InitialPrefill < 0 || cfg.TaskPool.InitialPrefill > 1 {
		errs = append(errs, errors.New("task_pool.initial_prefill must be between 0 and 1"))
	}
	if cfg.Manager.OverFetch < 1 {
		errs = append(errs, errors.New("manager.over_fetch must be at least 1"))
	}
	switch breaker.Policy(cfg.Breaker.Policy) {
	case breaker.PolicyConsecutive, breaker.PolicyPercentage, breaker.PolicyTotal:
	default:
		errs = append(errs, errors.New("breaker.policy must be consecutive, percentage or total"))
	}
	return errors.Join(errs...)
}

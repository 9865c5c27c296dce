package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"proxybroker/internal/auth"
	"proxybroker/internal/checker"
	"proxybroker/internal/config"
	"proxybroker/internal/database"
	"proxybroker/internal/domain"
	"proxybroker/internal/manager"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	maxBodyBytes    = 4 << 20
	shutdownTimeout = 10 * time.Second
)

type ImportedPool interface {
	AddBatch(ctx context.Context, proxies []domain.ImportedProxy) (int, error)
	Stats(ctx context.Context) (database.ImportedStats, error)
	Clear(ctx context.Context) (int64, error)
}

type CheckHistory interface {
	Recent(ctx context.Context, source domain.SourceType, limit int) ([]domain.ProxyCheck, error)
}

type URLReporter interface {
	URLStatus() []checker.URLStatus
}

// Dependencies lists what the API serves. Only Manager and Issuer are
// required; routes backed by a missing dependency answer 404.
type Dependencies struct {
	Manager    *manager.Manager
	Issuer     *auth.Issuer
	Admin      auth.Admin
	Settings   *config.Store
	Imported   ImportedPool
	Checks     CheckHistory
	URLs       URLReporter
	Redis      *redis.Client
	InstanceID string
}

type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

func New(deps Dependencies) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	if deps.Issuer == nil {
		return nil, errors.New("server: token issuer is required")
	}

	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	router := s.mux
	requireAuth := s.deps.Issuer.RequireAuth
	isAdmin := s.deps.Issuer.IsAdmin

	router.HandleFunc("GET /health", s.health)
	router.HandleFunc("GET /version", s.getVersion)
	router.HandleFunc("POST /login", s.login)

	router.Handle("GET /proxy", requireAuth(http.HandlerFunc(s.getProxy)))
	router.Handle("POST /proxies/batch", requireAuth(http.HandlerFunc(s.getProxiesBatch)))
	router.Handle("GET /breakers", requireAuth(http.HandlerFunc(s.getBreakers)))
	router.Handle("GET /cache", requireAuth(http.HandlerFunc(s.getCache)))
	router.Handle("GET /checks", requireAuth(http.HandlerFunc(s.getChecks)))
	router.Handle("GET /checker/urls", requireAuth(http.HandlerFunc(s.getCheckerURLs)))
	router.Handle("GET /instances", requireAuth(http.HandlerFunc(s.getInstances)))

	router.Handle("GET /pool/stats", requireAuth(http.HandlerFunc(s.getPoolStats)))
	router.Handle("POST /pool/reserve", requireAuth(http.HandlerFunc(s.reserveProxy)))
	router.Handle("POST /pool/{id}/used", requireAuth(http.HandlerFunc(s.markProxyUsed)))
	router.Handle("POST /pool/{id}/failed", requireAuth(http.HandlerFunc(s.markProxyFailed)))

	router.Handle("POST /pool/clear", isAdmin(http.HandlerFunc(s.clearPool)))
	router.Handle("POST /sessions", isAdmin(http.HandlerFunc(s.startSession)))
	router.Handle("DELETE /sessions", isAdmin(http.HandlerFunc(s.stopSession)))
	router.Handle("POST /breakers/{source}/reset", isAdmin(http.HandlerFunc(s.resetBreaker)))
	router.Handle("POST /cache/{source}/refresh", isAdmin(http.HandlerFunc(s.refreshCache)))
	router.Handle("POST /cache/{source}/failure", isAdmin(http.HandlerFunc(s.reportFailure)))

	router.Handle("POST /imported", isAdmin(http.HandlerFunc(s.addImported)))
	router.Handle("GET /imported/stats", isAdmin(http.HandlerFunc(s.getImportedStats)))
	router.Handle("DELETE /imported", isAdmin(http.HandlerFunc(s.clearImported)))

	router.Handle("GET /settings", isAdmin(http.HandlerFunc(s.getSettings)))
	router.Handle("PUT /settings", isAdmin(http.HandlerFunc(s.saveSettings)))
}

func (s *Server) Handler() http.Handler {
	return enableCORS(s.mux)
}

// ListenAndServe serves until ctx ends and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting proxybroker api", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

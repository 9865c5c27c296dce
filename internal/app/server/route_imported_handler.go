package server

import (
	"io"
	"net/http"
	"strings"

	"proxybroker/internal/domain"
	"proxybroker/internal/geo"
	"proxybroker/internal/source"

	"github.com/charmbracelet/log"
)

// addImported accepts text lines (host:port[:user:pass]) or any JSON shape
// the API source understands. ?protocol= and ?country= apply to every entry
// that does not carry its own.
func (s *Server) addImported(w http.ResponseWriter, r *http.Request) {
	if s.deps.Imported == nil {
		writeError(w, "import pool is disabled", http.StatusNotFound)
		return
	}

	protocol := domain.ProtocolHTTP
	if raw := r.URL.Query().Get("protocol"); raw != "" {
		var err error
		if protocol, err = domain.ParseProtocol(raw); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	country := geo.Normalize(r.URL.Query().Get("country"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, "No proxies supplied", http.StatusBadRequest)
		return
	}

	candidates, err := source.ParseResponse(body, protocol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	proxies := make([]domain.ImportedProxy, 0, len(candidates))
	for _, candidate := range candidates {
		proxy := domain.ImportedProxy{
			Protocol: candidate.Protocol,
			Host:     candidate.Host,
			Port:     candidate.Port,
			Username: candidate.Username,
			Password: candidate.Password,
			Country:  candidate.Country,
		}
		if proxy.Country == "" {
			proxy.Country = country
		}
		proxies = append(proxies, proxy)
	}

	added, err := s.deps.Imported.AddBatch(r.Context(), proxies)
	if err != nil {
		log.Error("Could not add imported proxies", "error", err)
		writeError(w, "Could not add proxies to database", http.StatusInternalServerError)
		return
	}

	log.Info("Imported proxies added", "parsed", len(proxies), "added", added)
	writeJSON(w, http.StatusOK, map[string]int{"parsed": len(proxies), "added": added})
}

func (s *Server) getImportedStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Imported == nil {
		writeError(w, "import pool is disabled", http.StatusNotFound)
		return
	}
	stats, err := s.deps.Imported.Stats(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) clearImported(w http.ResponseWriter, r *http.Request) {
	if s.deps.Imported == nil {
		writeError(w, "import pool is disabled", http.StatusNotFound)
		return
	}
	deleted, err := s.deps.Imported.Clear(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

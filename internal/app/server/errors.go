package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"proxybroker/internal/breaker"
	"proxybroker/internal/domain"
	"proxybroker/internal/manager"
	"proxybroker/internal/taskpool"

	"github.com/charmbracelet/log"
)

// writeManagerError maps manager and pool errors to a status code.
func writeManagerError(w http.ResponseWriter, err error) {
	var (
		openErr       *breaker.OpenError
		validationErr *manager.ValidationError
	)

	switch {
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(openErr.RetryAfter.Seconds()))))
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":        err.Error(),
			"check_result": validationErr.Result,
		})
	case errors.Is(err, domain.ErrUnknownSource),
		errors.Is(err, manager.ErrUnsupportedSource),
		errors.Is(err, manager.ErrSourceNotConfigured):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, taskpool.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, taskpool.ErrNotInUse), errors.Is(err, taskpool.ErrTerminal):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, taskpool.ErrExhausted), errors.Is(err, manager.ErrRetriesExhausted):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, "request timed out", http.StatusGatewayTimeout)
	default:
		log.Error("Request failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// Package healthz serves liveness and readiness endpoints.
package healthz

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const checkTimeout = 5 * time.Second

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

type Handler struct {
	checks map[string]CheckFunc
}

// New returns a handler that answers 200 OK once every check passes.  With no
// checks it always answers 200 OK, which is what /healthz wants.
func New() *Handler {
	return &Handler{
		checks: map[string]CheckFunc{},
	}
}

// WithCheck adds a named check and returns h.
func (h *Handler) WithCheck(name string, check CheckFunc) *Handler {
	h.checks[name] = check
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", slog.String("check", name), slog.Any("err", err))
			http.Error(w, "503 Service Unavailable: "+name, http.StatusServiceUnavailable)
			return
		}
	}

	w.Write([]byte("200 OK"))
}

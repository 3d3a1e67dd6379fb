// Package health reports whether the server's dependencies answer and how
// much live state it is carrying.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Checker verifies that an infrastructure dependency is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a ping function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Gauge reads one live counter, such as loaded games or open sockets.
type Gauge func() int

type Handler struct {
	checks map[string]Checker
	gauges map[string]Gauge
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, checks map[string]Checker, gauges map[string]Gauge) *Handler {
	return &Handler{checks: checks, gauges: gauges, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.check)
	return r
}

type CheckResult struct {
	Status string `json:"status"`
}

// Response is the body of GET /healthz.
type Response struct {
	Checks map[string]CheckResult `json:"checks"`
	Live   map[string]int         `json:"live,omitempty"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := Response{Checks: make(map[string]CheckResult, len(h.checks))}
	status := http.StatusOK

	for name, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Error("health check failed", "name", name, "error", err)
			resp.Checks[name] = CheckResult{Status: "error"}
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = CheckResult{Status: "ok"}
	}

	if len(h.gauges) > 0 {
		resp.Live = make(map[string]int, len(h.gauges))
		for name, g := range h.gauges {
			resp.Live[name] = g()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReadyzCheck is one external dependency that /readyz checks.
type ReadyzCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readiness struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, readiness{Status: "ok"})
	}
}

// Readyz runs every check, each bounded by timeout, and names the ones that failed.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var failed []string
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				failed = append(failed, c.Name)
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "not ready", Failed: failed})
			return
		}
		writeJSON(w, http.StatusOK, readiness{Status: "ready"})
	}
}

// Package health serves the liveness and readiness probes of the client.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// runs every registered [Checker] concurrently and answers:
//
//	200 {"status":"ok"}        all checks pass
//	200 {"status":"degraded"}  only optional checks fail
//	503 {"status":"fail"}      a required check fails
//
// The client is ready while its websocket to the translation server is up
// (see [TransportCheck]). The session archive check is optional.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livetranslate/pkg/transport"
)

// checkTimeout bounds a single check.
const checkTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// Checker is one named readiness check.
type Checker struct {
	Name string

	// Check returns nil while the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// ConnStater reports a connection state. [transport.Transport] satisfies it.
type ConnStater interface {
	State() transport.ConnState
}

// TransportCheck is a required check that passes while c is connected.
func TransportCheck(c ConnStater) Checker {
	return Checker{
		Name: "transport",
		Check: func(context.Context) error {
			if s := c.State(); s != transport.Connected {
				return fmt.Errorf("websocket %s", s)
			}
			return nil
		},
	}
}

// ArchiveCheck is an optional check around the archive's ping.
func ArchiveCheck(ping func(context.Context) error) Checker {
	return Checker{Name: "archive", Check: ping, Optional: true}
}

type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: statusOK})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// evaluate runs all checks in parallel and folds their results.
func (h *Handler) evaluate(ctx context.Context) report {
	results := make([]checkResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			res := checkResult{Status: statusOK, Optional: c.Optional}
			if err := c.Check(cctx); err != nil {
				res.Status, res.Error = statusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: statusOK, Checks: make(map[string]checkResult, len(results))}
	for i, res := range results {
		rep.Checks[h.checkers[i].Name] = res
		switch {
		case res.Status == statusOK:
		case res.Optional:
			if rep.Status == statusOK {
				rep.Status = statusDegraded
			}
		default:
			rep.Status = statusFail
		}
	}
	return rep
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livetranslate/internal/archive"
	"github.com/MrWong99/livetranslate/internal/session"
	"github.com/MrWong99/livetranslate/pkg/audio"
)

const (
	defaultSessionLimit = 50
	defaultSearchLimit  = 20
	maxLimit            = 500
)

// archiveReader is the read side of the session archive. [*archive.Store]
// implements it.
type archiveReader interface {
	Sessions(ctx context.Context, limit int) ([]archive.SessionInfo, error)
	Entries(ctx context.Context, sessionID string) ([]session.Entry, error)
	Search(ctx context.Context, query string, opts archive.SearchOpts) ([]session.Entry, error)
}

// api serves the session control and archive endpoints.
type api struct {
	orch    *session.Orchestrator
	archive archiveReader // nil when archiving is disabled
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.status)
	mux.HandleFunc("GET /api/log", a.log)
	mux.HandleFunc("POST /api/session/start", a.start)
	mux.HandleFunc("POST /api/session/stop", a.stop)
	mux.HandleFunc("GET /api/archive/sessions", a.sessions)
	mux.HandleFunc("GET /api/archive/sessions/{id}", a.sessionEntries)
	mux.HandleFunc("GET /api/archive/search", a.search)
}

func metricsHandler() http.Handler { return promhttp.Handler() }

type statusResponse struct {
	State      string `json:"state"`
	Connection string `json:"connection"`
	Recording  string `json:"recording"`
	Status     string `json:"status"`
	SessionID  string `json:"session_id,omitempty"`
	Pending    bool   `json:"pending"`
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	st := a.orch.State()
	writeJSON(w, http.StatusOK, statusResponse{
		State:      st.Session().String(),
		Connection: st.Conn.String(),
		Recording:  st.Rec.String(),
		Status:     a.orch.Status(),
		SessionID:  a.orch.SessionID(),
		Pending:    a.orch.Log().Pending(),
	})
}

// log returns the visible session log. ?all=true includes resolved
// placeholders.
func (a *api) log(w http.ResponseWriter, r *http.Request) {
	entries := a.orch.Log().View()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		entries = a.orch.Log().Entries()
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	err := a.orch.StartSession(r.Context())
	if err != nil {
		writeError(w, startStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": a.orch.SessionID()})
}

// startStatus maps a StartSession error to an HTTP status code.
func startStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrStartAborted):
		return http.StatusConflict
	}
	if ce, ok := audio.AsCaptureError(err); ok {
		switch ce.Reason {
		case audio.CaptureDenied:
			return http.StatusForbidden
		case audio.CaptureUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.StopSession(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) {
	if !a.archiveEnabled(w) {
		return
	}
	limit, err := parseLimit(r, defaultSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	infos, err := a.archive.Sessions(r.Context(), limit)
	if err != nil {
		slog.Error("archive: list sessions", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *api) sessionEntries(w http.ResponseWriter, r *http.Request) {
	if !a.archiveEnabled(w) {
		return
	}
	entries, err := a.archive.Entries(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("archive: load session", "session_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// search runs a full-text query over archived entries. Supported
// parameters: q (required), session, after, before (RFC 3339) and limit.
func (a *api) search(w http.ResponseWriter, r *http.Request) {
	if !a.archiveEnabled(w) {
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing query parameter q"))
		return
	}
	opts := archive.SearchOpts{SessionID: q.Get("session")}
	var err error
	if opts.Limit, err = parseLimit(r, defaultSearchLimit); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.After, err = parseTime(q.Get("after")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.Before, err = parseTime(q.Get("before")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := a.archive.Search(r.Context(), query, opts)
	if err != nil {
		slog.Error("archive: search", "query", query, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) archiveEnabled(w http.ResponseWriter) bool {
	if a.archive == nil {
		writeError(w, http.StatusNotFound, errors.New("session archive is disabled"))
		return false
	}
	return true
}

func parseLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxLimit {
		return 0, errors.New("limit must be an integer in [1, 500]")
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

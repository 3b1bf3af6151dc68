package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/onnwee/streamcore/backend/levels"
	"github.com/onnwee/streamcore/backend/token"
)

// Handlers holds the dependencies the HTTP endpoints read from. The function
// fields are optional probes into subsystems that may not be running (e.g.
// chat disabled for lack of credentials); nil probes are simply omitted from
// the status payload.
type Handlers struct {
	db    *sql.DB
	store *levels.PGStore

	ChatState      func() string
	RefreshMetrics func() token.Metrics
	QueueDepth     func() int
}

func NewHandlers(db *sql.DB, store *levels.PGStore) *Handlers {
	return &Handlers{db: db, store: store}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the chat connection state, token refresh outcomes, and
// ledger queue depth.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if h.ChatState != nil {
		out["chat_state"] = h.ChatState()
	}
	if h.RefreshMetrics != nil {
		out["token_refresh"] = h.RefreshMetrics()
	}
	if h.QueueDepth != nil {
		out["ledger_active_queues"] = h.QueueDepth()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleTopLevels returns the leaderboard, highest total experience first.
// Optional ?limit=N (default 20, max 100).
func (h *Handlers) HandleTopLevels(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}
	recs, err := h.store.TopLevels(r.Context(), limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []levels.LevelRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

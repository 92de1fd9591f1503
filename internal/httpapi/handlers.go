// Package httpapi is the backbone's ambient HTTP surface: health/readiness,
// Prometheus scraping, and a small read-only debug API over the same Redis
// state the workers already publish. Grounded on the teacher's
// internal/api/http (handlers.go/routes.go/server.go), whose own handlers
// were literal `TODO not ready` stubs; this fills them in against the new
// domain instead of token-swap stats.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gitlab.com/nevasik7/alerting/logger"

	"signalbackbone/internal/bus"
	"signalbackbone/internal/gate"
	"signalbackbone/internal/window"
)

// API owns the handlers backing the debug surface; it reads Redis state
// directly through the same bus.Bus contract every worker writes through,
// so a restarted process and a live HTTP reader never diverge.
type API struct {
	log    logger.Logger
	bus    bus.Bus
	prefix string
	pinger func(ctx context.Context) error
}

func NewAPI(log logger.Logger, b bus.Bus, redisPrefix string, pinger func(ctx context.Context) error) *API {
	return &API{log: log, bus: b, prefix: redisPrefix, pinger: pinger}
}

func (a *API) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readiness checks the one external dependency the whole pipeline shares.
func (a *API) Readiness(w http.ResponseWriter, r *http.Request) {
	if a.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.pinger(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// Windows reports the in-flight 1m/5m/15m bucket for one symbol, read
// straight off win:state:{tf}:{sym} (spec.md §4.2 step 3).
func (a *API) Windows(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	if sym == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing symbol"})
		return
	}

	ctx := r.Context()
	out := map[string]any{}

	tfs := append([]string{"1m"}, tfNames()...)
	for _, tf := range tfs {
		fields, err := a.bus.HGetAll(ctx, a.prefix+"win:state:"+tf+":{"+sym+"}")
		if err != nil {
			a.log.Warnf("httpapi: windows %s/%s: %v", sym, tf, err)
			continue
		}
		if len(fields) > 0 {
			out[tf] = fields
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "windows": out})
}

func tfNames() []string {
	names := make([]string, 0, len(window.RollupTFs))
	for _, tf := range window.RollupTFs {
		names = append(names, tf.Name)
	}
	return names
}

// Gate reports the current dynamic-gate snapshot for one symbol, read
// straight off dyn:gate:{sym} (spec.md §4.4).
func (a *API) Gate(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	if sym == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing symbol"})
		return
	}

	fields, err := a.bus.HGetAll(r.Context(), a.prefix+"dyn:gate:{"+sym+"}")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if len(fields) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no gate snapshot yet"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym, "gate": gate.FromFields(fields)})
}

// Drops returns the most recent router rejections across every symbol, off
// the capped ops:drops stream the Router worker appends to.
func (a *API) Drops(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.bus.XRevRangeLatest(r.Context(), a.prefix+"ops:drops", 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	rows := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, m.Fields)
	}
	writeJSON(w, http.StatusOK, map[string]any{"drops": rows})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

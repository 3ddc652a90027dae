package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/audit"
	"trialdiary.org/internal/obs"
	"trialdiary.org/internal/record"
)

// ReadyProbe reports whether the service can reach its dependencies.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the record service and access engine.
type API struct {
	mux        *http.ServeMux
	svc        record.Service
	engine     *access.Engine
	stream     *record.Stream
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

func New(svc record.Service, engine *access.Engine, stream *record.Stream, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		engine:     engine,
		stream:     stream,
		readyProbe: rp,
		version:    version,
		rateBurst:  50,
		ratePerSec: 25,
		maxBody:    1 << 20,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// diary sync and record reads
	a.mux.HandleFunc("/v1/sync/events", a.handleSyncEvents)
	a.mux.HandleFunc("/v1/records", a.handleRecordsCollection)
	a.mux.HandleFunc("/v1/records/", a.handleRecordResource)

	// conflicts and annotations
	a.mux.HandleFunc("/v1/conflicts", a.handleConflictsCollection)
	a.mux.HandleFunc("/v1/conflicts/", a.handleConflictResource)
	a.mux.HandleFunc("/v1/annotations/", a.handleAnnotationResource)

	// regulatory export and live applied-event feed
	a.mux.HandleFunc("/v1/export", a.handleExport)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	// administration
	a.mux.HandleFunc("/v1/admin/break-glass", a.handleBreakGlassCollection)
	a.mux.HandleFunc("/v1/admin/break-glass/", a.handleBreakGlassResource)
	a.mux.HandleFunc("/v1/admin/assignments", a.handleAssignments)

	// token issuance
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server. RequestID
// sits outermost so every later layer, including the JSON access line, sees
// the same identifier.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "trialdiary-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "trialdiary-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event, entity, id string, meta map[string]string) {
	fields := map[string]any{
		"entity":    entity,
		"entity_id": id,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"chestnut/internal/delivery"
	"chestnut/internal/dispatch"
	"chestnut/internal/eventbus"
	"chestnut/internal/manage"
	"chestnut/internal/render"
	"chestnut/internal/runtime/supervisor"
	"chestnut/internal/tracker"
	"chestnut/pkg/logx"
)

const maxBody = 1 << 20

// Dispatcher is the event entry point. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Handle(ev dispatch.Event) (int, error)
	Test(name, event string, vars render.Vars) error
}

// Trackers is the management surface. *manage.Manager satisfies it.
type Trackers interface {
	List() []*tracker.Tracker
	Get(name string) (*tracker.Tracker, bool)
	Put(a manage.Actor, t *tracker.Tracker) error
	SetTemplate(a manage.Actor, name, event, tmpl string) error
	SetOption(a manage.Actor, name, key, value string) error
	Remove(a manage.Actor, name string) (bool, error)
	Rename(a manage.Actor, oldName, newName string) error
}

// Status is the /v1/status body.
type Status struct {
	Version  string                   `json:"version,omitempty"`
	Config   string                   `json:"config_fingerprint,omitempty"`
	Trackers int                      `json:"trackers"`
	Dirty    bool                     `json:"dirty"`
	Delivery delivery.Stats           `json:"delivery"`
	Limiter  delivery.LimiterSnapshot `json:"limiter"`
	Tasks    []supervisor.TaskStatus  `json:"tasks,omitempty"`
	Events   eventbus.Stats           `json:"events"`
}

type Deps struct {
	Dispatcher Dispatcher
	Trackers   Trackers
	Status     func() Status
}

type api struct {
	deps Deps
	log  logx.Logger
}

// The API is operator-facing; authenticated callers act as admins.
var operator = manage.Actor{Admin: true}

func (a *api) routes(token string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/status", a.status)
	mux.HandleFunc("POST /v1/events", a.postEvent)
	mux.HandleFunc("GET /v1/trackers", a.listTrackers)
	mux.HandleFunc("GET /v1/trackers/{name}", a.getTracker)
	mux.HandleFunc("PUT /v1/trackers/{name}", a.putTracker)
	mux.HandleFunc("DELETE /v1/trackers/{name}", a.deleteTracker)
	mux.HandleFunc("POST /v1/trackers/{name}/rename", a.renameTracker)
	mux.HandleFunc("POST /v1/trackers/{name}/test", a.testTracker)
	mux.HandleFunc("POST /v1/trackers/{name}/options", a.setOption)
	mux.HandleFunc("PUT /v1/trackers/{name}/templates/{event}", a.setTemplate)

	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	return withAuth(token, mux)
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *api) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		a.log.Error("admin request failed", logx.Err(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manage.ErrNotFound), errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manage.ErrExists):
		return http.StatusConflict
	case errors.Is(err, manage.ErrForbidden), errors.Is(err, dispatch.ErrTestDisabled):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest),
		errors.Is(err, tracker.ErrInvalidName),
		errors.Is(err, tracker.ErrUnknownTrigger),
		errors.Is(err, tracker.ErrUnknownEvent),
		errors.Is(err, tracker.ErrMalformed),
		errors.Is(err, manage.ErrInvalidValue),
		errors.Is(err, manage.ErrUnknownOption),
		errors.Is(err, dispatch.ErrInvalidEvent),
		errors.Is(err, dispatch.ErrMissingLocation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	var st Status
	if a.deps.Status != nil {
		st = a.deps.Status()
	}
	writeJSON(w, http.StatusOK, st)
}

type eventResponse struct {
	Enqueued int `json:"enqueued"`
}

func (a *api) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.Event
	if err := decode(w, r, &ev); err != nil {
		a.fail(w, err)
		return
	}
	n, err := a.deps.Dispatcher.Handle(ev)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, eventResponse{Enqueued: n})
}

func records(ts []*tracker.Tracker) []tracker.Record {
	out := make([]tracker.Record, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ToRecord())
	}
	return out
}

func (a *api) listTrackers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, records(a.deps.Trackers.List()))
}

func (a *api) getTracker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, ok := a.deps.Trackers.Get(name)
	if !ok {
		a.fail(w, fmt.Errorf("%w: %q", manage.ErrNotFound, name))
		return
	}
	writeJSON(w, http.StatusOK, t.ToRecord())
}

func (a *api) putTracker(w http.ResponseWriter, r *http.Request) {
	var rec tracker.Record
	if err := decode(w, r, &rec); err != nil {
		a.fail(w, err)
		return
	}
	rec.Name = r.PathValue("name")
	t, err := tracker.FromRecord(rec)
	if err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Trackers.Put(operator, t); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.ToRecord())
}

type deleteResponse struct {
	Removed bool `json:"removed"`
}

func (a *api) deleteTracker(w http.ResponseWriter, r *http.Request) {
	removed, err := a.deps.Trackers.Remove(operator, r.PathValue("name"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Removed: removed})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (a *api) renameTracker(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Trackers.Rename(operator, r.PathValue("name"), req.Name); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testRequest struct {
	Event string      `json:"event"`
	Vars  render.Vars `json:"vars"`
}

func (a *api) testTracker(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Dispatcher.Test(r.PathValue("name"), req.Event, req.Vars); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, eventResponse{Enqueued: 1})
}

type optionRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a *api) setOption(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Trackers.SetOption(operator, r.PathValue("name"), req.Key, req.Value); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type templateRequest struct {
	Template string `json:"template"`
}

func (a *api) setTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Trackers.SetTemplate(operator, r.PathValue("name"), r.PathValue("event"), req.Template); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

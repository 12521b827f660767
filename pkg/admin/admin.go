// Package admin serves the administrative HTTP API of the mounted queues.
//
//	GET  /queues
//	GET  /queues/{queue}/stat?group=&affinity=
//	POST /queues/{queue}/pause
//	POST /queues/{queue}/resume
//	GET  /queues/{queue}/jobs?status=&group=&affinity=&start=&count=
//	GET  /queues/{queue}/jobs/{id}
//	POST /queues/{queue}/jobs/{id}/cancel
//	GET  /queues/{queue}/affinities
//	GET  /queues/{queue}/clients
package admin

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/queue"
	"go.uber.org/zap"
)

// Client identity headers of admin requests.
const (
	HeaderNode    = "X-Client-Node"
	HeaderSession = "X-Client-Session"
)

// DefaultDumpCount caps job dumps without an explicit count.
const DefaultDumpCount = 1000

// Handler implements the admin API.
type Handler struct {
	Queues *queue.Collection
	Log    *zap.Logger
}

// ServeHTTP routes /queues requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "queues" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, h.Queues.List())
		return
	}
	q, err := h.Queues.Get(parts[1])
	if err != nil {
		h.writeErr(w, err)
		return
	}
	switch {
	case len(parts) == 3 && parts[2] == "stat":
		h.stat(w, r, q)
	case len(parts) == 3 && parts[2] == "jobs":
		h.dump(w, r, q)
	case len(parts) == 3 && (parts[2] == "pause" || parts[2] == "resume"):
		h.pause(w, r, q, parts[2] == "pause")
	case len(parts) == 3 && parts[2] == "affinities":
		if allow(w, r, http.MethodGet) {
			writeJSON(w, http.StatusOK, q.GetAffinityList())
		}
	case len(parts) == 3 && parts[2] == "clients":
		if allow(w, r, http.MethodGet) {
			writeJSON(w, http.StatusOK, q.Clients())
		}
	case len(parts) == 4 && parts[2] == "jobs":
		h.job(w, r, q, parts[3])
	case len(parts) == 5 && parts[2] == "jobs" && parts[4] == "cancel":
		h.cancel(w, r, q, parts[3])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) stat(w http.ResponseWriter, r *http.Request, q *queue.Queue) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	query := r.URL.Query()
	stat, err := q.JobsStat(query.Get("group"), query.Get("affinity"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request, q *queue.Queue, pause bool) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var changed bool
	if pause {
		changed = q.Pause()
	} else {
		changed = q.Resume(r.Context())
	}
	h.Log.Info("Changed queue pause via admin API",
		zap.String("queue.name", q.Name),
		zap.Bool("queue.paused", pause),
		zap.Bool("queue.changed", changed))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": pause, "changed": changed})
}

func (h *Handler) dump(w http.ResponseWriter, r *http.Request, q *queue.Queue) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	query := r.URL.Query()
	filter := queue.DumpFilter{
		Group:    query.Get("group"),
		Affinity: query.Get("affinity"),
		Count:    DefaultDumpCount,
	}
	for _, name := range query["status"] {
		st, err := jobs.ParseStatus(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if s := query.Get("start"); s != "" {
		start, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		filter.Start = uint32(start)
	}
	if s := query.Get("count"); s != "" {
		count, err := strconv.Atoi(s)
		if err != nil || count < 0 {
			writeError(w, http.StatusBadRequest, "invalid count")
			return
		}
		filter.Count = count
	}
	list, err := q.DumpJobs(r.Context(), filter)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request, q *queue.Queue, idStr string) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := parseJobID(w, idStr)
	if !ok {
		return
	}
	job, err := q.GetJob(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, q *queue.Queue, idStr string) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := parseJobID(w, idStr)
	if !ok {
		return
	}
	out, err := q.Cancel(r.Context(), identity(r), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.Log.Info("Canceled job via admin API",
		zap.String("queue.name", q.Name),
		zap.Uint32("job.id", id),
		zap.Bool("job.applied", out.Applied))
	writeJSON(w, http.StatusOK, out)
}

func parseJobID(w http.ResponseWriter, s string) (uint32, bool) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return uint32(id), true
}

// identity builds the client identity of an admin request.
func identity(r *http.Request) clients.Identity {
	ident := clients.Identity{
		Node:    r.Header.Get(HeaderNode),
		Session: r.Header.Get(HeaderSession),
	}
	if ident.Node == "" {
		ident.Node = "admin"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ident.Addr = host
	}
	return ident
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// StatusCode maps a queue error to an HTTP status.
func StatusCode(err error) int {
	if errors.Is(err, queue.ErrUnknownQueue) {
		return http.StatusNotFound
	}
	switch queue.Kind(err) {
	case queue.KindValidation:
		return http.StatusBadRequest
	case queue.KindNotFound:
		return http.StatusNotFound
	case queue.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= 500 {
		h.Log.Error("Admin request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

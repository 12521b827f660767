package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/queue"
	"go.od2.network/nqueue/pkg/store/badgerstore"
	"go.od2.network/nqueue/pkg/token"
	"go.uber.org/zap/zaptest"
)

type nopSender struct{}

func (nopSender) Send(context.Context, string, uint16, []byte) error { return nil }

func newHandler(t *testing.T) (*Handler, *queue.Queue) {
	db, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })
	q := queue.New("render", badgerstore.New(db, "render"), token.NewSimpleSigner(new([32]byte)), nopSender{}, queue.DefaultOptions)
	q.SetLogger(zaptest.NewLogger(t))
	require.NoError(t, q.Load(context.Background()))
	coll := queue.NewCollection()
	require.NoError(t, coll.Add(q))
	return &Handler{Queues: coll, Log: zaptest.NewLogger(t)}, q
}

func do(t *testing.T, h http.Handler, method, target string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func submit(t *testing.T, q *queue.Queue, affinity string) uint32 {
	id, err := q.Submit(context.Background(), clients.Identity{Node: "submitter"}, queue.SubmitRequest{
		Input:    []byte("input"),
		Affinity: affinity,
	})
	require.NoError(t, err)
	return id
}

func TestHandler_Read(t *testing.T) {
	h, q := newHandler(t)
	first := submit(t, q, "a")
	submit(t, q, "")

	var names []string
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues", &names))
	assert.Equal(t, []string{"render"}, names)

	var stat queue.Stat
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/stat", &stat))
	assert.Equal(t, uint64(2), stat.Total)
	assert.Equal(t, uint64(2), stat.Jobs["Pending"])
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/stat?affinity=a", &stat))
	assert.Equal(t, uint64(1), stat.Total)

	var list []*jobs.Job
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/jobs?status=Pending&count=1", &list))
	require.Len(t, list, 1)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, jobs.Pending, list[0].Status)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, fmt.Sprintf("/queues/render/jobs?start=%d", first+1), &list))
	assert.Len(t, list, 1)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/jobs?status=Done", &list))
	assert.Len(t, list, 0)

	var job jobs.Job
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, fmt.Sprintf("/queues/render/jobs/%d", first), &job))
	assert.Equal(t, []byte("input"), job.Input)
	require.Len(t, job.Events, 1)
	assert.Equal(t, jobs.EventSubmit, job.Events[0].Kind)

	var affs []queue.AffinityInfo
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/affinities", &affs))
	require.Len(t, affs, 1)
	assert.Equal(t, "a", affs[0].Token)
	assert.Equal(t, uint64(1), affs[0].Pending)

	var cls []clients.Info
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/clients", &cls))
	require.Len(t, cls, 1)
	assert.Equal(t, "submitter", cls[0].Node)
}

func TestHandler_Cancel(t *testing.T) {
	h, q := newHandler(t)
	id := submit(t, q, "")
	target := fmt.Sprintf("/queues/render/jobs/%d/cancel", id)

	var out queue.Outcome
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, target, &out))
	assert.True(t, out.Applied)
	assert.Equal(t, jobs.Canceled, out.Status)
	assert.Equal(t, jobs.Canceled, q.GetStatus(id))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, target, &out))
	assert.False(t, out.Applied)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, target, nil))
}

func TestHandler_Pause(t *testing.T) {
	h, q := newHandler(t)
	var out map[string]bool
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/queues/render/pause", &out))
	assert.Equal(t, map[string]bool{"paused": true, "changed": true}, out)
	assert.True(t, q.IsPaused())
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/queues/render/pause", &out))
	assert.False(t, out["changed"])

	var stat queue.Stat
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/queues/render/stat", &stat))
	assert.True(t, stat.Paused)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/queues/render/resume", &out))
	assert.Equal(t, map[string]bool{"paused": false, "changed": true}, out)
	assert.False(t, q.IsPaused())
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/queues/render/pause", nil))
}

func TestHandler_Errors(t *testing.T) {
	h, _ := newHandler(t)
	for target, code := range map[string]int{
		"/":                              http.StatusNotFound,
		"/queues/nope/stat":              http.StatusNotFound,
		"/queues/render/bogus":           http.StatusNotFound,
		"/queues/render/jobs/999":        http.StatusNotFound,
		"/queues/render/jobs/abc":        http.StatusBadRequest,
		"/queues/render/jobs/0":          http.StatusBadRequest,
		"/queues/render/jobs?status=X":   http.StatusBadRequest,
		"/queues/render/jobs?count=-1":   http.StatusBadRequest,
		"/queues/render/stat?group=nope": http.StatusBadRequest,
	} {
		assert.Equal(t, code, do(t, h, http.MethodGet, target, nil), target)
	}
	assert.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodPost, "/queues/render/jobs/999/cancel", nil))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(queue.ErrInputTooLarge))
	assert.Equal(t, http.StatusNotFound, StatusCode(queue.ErrJobNotFound))
	assert.Equal(t, http.StatusNotFound, StatusCode(fmt.Errorf("%w: x", queue.ErrUnknownQueue)))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(fmt.Errorf("%w: conflict", queue.ErrUnavailable)))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(queue.ErrInvariant))
}

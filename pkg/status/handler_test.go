package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type stubController struct {
	snapshot   Snapshot
	flushes    int
	aggregates int
	cleanups   int
	opErr      error
	reconErr   error
}

func (c *stubController) Snapshot() Snapshot { return c.snapshot }

func (c *stubController) ForceFlush(ctx context.Context) error {
	c.flushes++
	return c.opErr
}

func (c *stubController) ForceAggregate(ctx context.Context) (int, error) {
	c.aggregates++
	return 2, c.opErr
}

func (c *stubController) ForceDailyExport(ctx context.Context) error { return c.opErr }
func (c *stubController) ForceBatchExport(ctx context.Context) error { return c.opErr }

func (c *stubController) ForceCleanup(ctx context.Context) error {
	c.cleanups++
	return c.opErr
}

func (c *stubController) ForceReconnect() error { return c.reconErr }

func newTestRouter(c Controller) *mux.Router {
	r := mux.NewRouter()
	NewHandler(c).Register(r)
	return r
}

func TestHandleStatus(t *testing.T) {
	c := &stubController{snapshot: Snapshot{
		MinuteBufferSize: 3,
		SaveQueueSize:    12,
		LastValue:        21.5,
		FeedState:        "connected",
		Accepted:         100,
		Jobs:             map[string]JobStatus{"cleanup": {ConsecutiveErrors: 2, LastError: "disk full"}},
	}}
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, 3, got.MinuteBufferSize)
	require.Equal(t, 12, got.SaveQueueSize)
	require.Equal(t, "connected", got.FeedState)
	require.Equal(t, uint64(100), got.Accepted)
	require.Equal(t, 2, got.Jobs["cleanup"].ConsecutiveErrors)
}

func TestOpsEndpoints(t *testing.T) {
	c := &stubController{}
	router := newTestRouter(c)

	for _, path := range []string{"/v1/ops/flush", "/v1/ops/export-daily", "/v1/ops/export-batch", "/v1/ops/cleanup"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, path)
	}
	require.Equal(t, 1, c.flushes)
	require.Equal(t, 1, c.cleanups)
}

func TestOpsRejectGet(t *testing.T) {
	router := newTestRouter(&stubController{})

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/flush", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAggregateReportsCount(t *testing.T) {
	c := &stubController{}
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/aggregate", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, float64(2), resp["aggregates_created"])
	require.Equal(t, 1, c.aggregates)
}

func TestOpFailureReturns500(t *testing.T) {
	c := &stubController{opErr: fmt.Errorf("database is locked")}
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/flush", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "database is locked")
}

func TestReconnectConflict(t *testing.T) {
	c := &stubController{reconErr: fmt.Errorf("reconnect already pending")}
	router := newTestRouter(c)

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/reconnect", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
	"github.com/packvault/catalog-crawler/internal/crawl"
)

type fakeController struct {
	mu        sync.Mutex
	startPage int
	started   int
	stopErr   error
	stopped   int
	status    catalog.CrawlStatus
	page      int
}

func (f *fakeController) Start(_ context.Context, fromPage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.startPage = fromPage
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return f.stopErr
}

func (f *fakeController) Status() (catalog.CrawlStatus, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.page
}

func (f *fakeController) startCalls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.startPage
}

type fakeMaintainer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeMaintainer) RefreshHostedAssets(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeMaintainer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T, ctrl *fakeController, m Maintainer) *httptest.Server {
	t.Helper()
	srv := NewServer(ctrl, m, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestStartCrawlAccepted(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Post(ts.URL+"/v1/crawl/start", "application/json", strings.NewReader(`{"page":3}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool {
		calls, page := ctrl.startCalls()
		return calls == 1 && page == 3
	}, time.Second, 10*time.Millisecond)
}

func TestStartCrawlEmptyBody(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Post(ts.URL+"/v1/crawl/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool {
		calls, page := ctrl.startCalls()
		return calls == 1 && page == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStartCrawlRejectsBadJSON(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Post(ts.URL+"/v1/crawl/start", "application/json", strings.NewReader(`{page`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopCrawlConflictWhenAlreadyStopped(t *testing.T) {
	ctrl := &fakeController{stopErr: crawl.ErrAlreadyStopped}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Post(ts.URL+"/v1/crawl/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStopCrawlOK(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Post(ts.URL+"/v1/crawl/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCrawlStatus(t *testing.T) {
	ctrl := &fakeController{status: catalog.CrawlStarted, page: 12}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Get(ts.URL + "/v1/crawl/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		CurrentPage int    `json:"current_page"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "STARTED", body.Status)
	assert.Equal(t, 12, body.CurrentPage)
}

func TestRefreshAssetsAccepted(t *testing.T) {
	ctrl := &fakeController{}
	m := &fakeMaintainer{}
	ts := newTestServer(t, ctrl, m)

	resp, err := http.Post(ts.URL+"/v1/maintenance/refresh-assets", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool { return m.callCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRefreshAssetsUnavailableWithoutMaintainer(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Post(ts.URL+"/v1/maintenance/refresh-assets", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ctrl := &fakeController{}
	ts := newTestServer(t, ctrl, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

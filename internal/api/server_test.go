package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arrival-tracker/internal/config"
	"arrival-tracker/internal/db"
	"arrival-tracker/internal/tracker"
	"arrival-tracker/internal/transit"
)

type fakeController struct {
	mu         sync.Mutex
	state      tracker.State
	triggerErr error
	triggers   int
}

func (c *fakeController) Start(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = tracker.StateRunning
}

func (c *fakeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = tracker.StateStopped
}

func (c *fakeController) Trigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers++
	return c.triggerErr
}

func (c *fakeController) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerErr = err
}

func (c *fakeController) Status() tracker.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return tracker.Status{State: c.state, ActiveTimers: 2, IntervalSeconds: 900}
}

type fakeSettings struct {
	st    transit.SchedulerSettings
	found bool
}

func (s *fakeSettings) ReadSettings(context.Context) (transit.SchedulerSettings, error) {
	if !s.found {
		return transit.SchedulerSettings{}, db.ErrNoSettings
	}
	return s.st, nil
}

func (s *fakeSettings) UpdateSettings(_ context.Context, st transit.SchedulerSettings) error {
	s.st, s.found = st, true
	return nil
}

func newTestServer() (*httptest.Server, *fakeController, *fakeSettings) {
	ctrl := &fakeController{state: tracker.StateStopped}
	settings := &fakeSettings{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tracker_active_timers 2\n"))
	})
	s := NewServer(context.Background(), ctrl, settings, config.ValidateSettings, metrics, zerolog.Nop())
	return httptest.NewServer(s.Handler()), ctrl, settings
}

func TestServer_StatusAndLifecycle(t *testing.T) {
	srv, ctrl, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var st tracker.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, tracker.StateStopped, st.State)
	assert.Equal(t, 2, st.ActiveTimers)

	resp, err = http.Post(srv.URL+"/control/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tracker.StateRunning, ctrl.Status().State)

	resp, err = http.Post(srv.URL+"/control/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, tracker.StateStopped, ctrl.Status().State)
}

func TestServer_ScanTrigger(t *testing.T) {
	srv, ctrl, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/control/scan", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ctrl.mu.Lock()
	assert.Equal(t, 1, ctrl.triggers)
	ctrl.mu.Unlock()

	ctrl.failWith(tracker.ErrScanInProgress)
	resp, err = http.Post(srv.URL+"/control/scan", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ctrl.failWith(errors.New("tracker is not running"))
	resp, err = http.Post(srv.URL+"/control/scan", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/control/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Settings(t *testing.T) {
	srv, _, settings := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/settings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	put := func(body string) int {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/settings", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, put(`{"enabled":true,"intervalMinutes":10,"startHour":22,"endHour":6}`))
	assert.Equal(t, transit.SchedulerSettings{Enabled: true, IntervalMinutes: 10, StartHour: 22, EndHour: 6}, settings.st)

	assert.Equal(t, http.StatusUnprocessableEntity, put(`{"enabled":true,"intervalMinutes":0,"startHour":5,"endHour":24}`))
	assert.Equal(t, http.StatusUnprocessableEntity, put(`{"enabled":true,"intervalMinutes":5,"startHour":25,"endHour":24}`))
	assert.Equal(t, http.StatusBadRequest, put(`{"interval":5}`))
	assert.Equal(t, 10, settings.st.IntervalMinutes, "rejected updates leave settings untouched")

	resp, err = http.Get(srv.URL + "/settings")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, float64(10), got["intervalMinutes"])
	assert.Equal(t, true, got["enabled"])
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

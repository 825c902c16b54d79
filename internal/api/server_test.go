// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flytrap/internal/config"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
	"grimm.is/flytrap/internal/monitor"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Format: "text", Output: io.Discard})
}

func testDeps(t *testing.T) (*flow.Manager, *events.Hub) {
	t.Helper()
	hub := events.NewHub(events.DefaultRecentSize)
	mgr := flow.NewManager(testLogger(), hub, nil, flow.ManagerOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return mgr, hub
}

func testServices() []*config.Service {
	return []*config.Service{
		{
			Name:       "web",
			ClientIP:   "127.0.0.1",
			ClientPort: 4000,
			ServerIP:   "10.0.0.5",
			ServerPort: 8080,
			HTTP:       &config.HTTPConfig{KeepAlive: true},
			Filter:     &config.FilterConfig{Path: "/etc/flytrap/web.rules"},
			Capture:    &config.CaptureConfig{Directory: "/var/cap"},
		},
		{
			Name:       "echo",
			ClientIP:   "127.0.0.1",
			ClientPort: 4001,
			ServerIP:   "10.0.0.6",
			ServerPort: 9090,
		},
	}
}

func testServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Services == nil {
		opts.Services = testServices()
	}
	return NewServer(opts, testLogger())
}

func openFlow(t *testing.T, mgr *flow.Manager, service, proto string) *flow.Flow {
	t.Helper()
	client := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
	server := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 8080}
	return mgr.Open(context.Background(), service, client, server, flow.Options{Proto: proto})
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func TestStatusEndpoint(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Manager: mgr, Hub: hub})

	openFlow(t, mgr, "web", "http")
	openFlow(t, mgr, "web", "http")
	openFlow(t, mgr, "echo", "raw")

	rec := doGET(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got statusResponse
	decodeBody(t, rec, &got)

	assert.Equal(t, 3, got.FlowsActive)
	assert.NotEmpty(t, got.Uptime)
	require.Len(t, got.Services, 2)

	web := got.Services[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "127.0.0.1:4000", web.Listen)
	assert.Equal(t, "10.0.0.5:8080", web.Backend)
	assert.Equal(t, "http", web.Proto)
	assert.Equal(t, "/etc/flytrap/web.rules", web.Filter)
	assert.True(t, web.Capture)
	assert.Equal(t, 2, web.FlowsActive)

	echo := got.Services[1]
	assert.Equal(t, "raw", echo.Proto)
	assert.False(t, echo.TLS)
	assert.Empty(t, echo.Filter)
	assert.Equal(t, 1, echo.FlowsActive)

	assert.Empty(t, got.Backends, "no monitor wired")
}

func TestStatusIncludesMonitorResults(t *testing.T) {
	mgr, hub := testDeps(t)
	svcs := testServices()
	svcs[0].Monitor = &config.MonitorConfig{Interval: time.Hour}

	orig := monitor.CheckPingFunc
	monitor.CheckPingFunc = func(host string) (time.Duration, error) { return time.Millisecond, nil }
	t.Cleanup(func() { monitor.CheckPingFunc = orig })

	mon := monitor.NewService(svcs, testLogger(), hub, metrics.New())
	mon.Start()
	t.Cleanup(mon.Stop)

	s := testServer(t, Options{Manager: mgr, Hub: hub, Monitor: mon, Services: svcs})

	require.Eventually(t, func() bool {
		rec := doGET(t, s, "/api/v1/status")
		if rec.Code != http.StatusOK {
			return false
		}
		var got statusResponse
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			return false
		}
		return len(got.Backends) == 1 && got.Backends[0].Service == "web" && got.Backends[0].IsUp
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFlowEndpoints(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Manager: mgr, Hub: hub})

	f1 := openFlow(t, mgr, "web", "http")
	openFlow(t, mgr, "echo", "raw")

	t.Run("list", func(t *testing.T) {
		rec := doGET(t, s, "/api/v1/flows")
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			Count int             `json:"count"`
			Flows []flow.Snapshot `json:"flows"`
		}
		decodeBody(t, rec, &got)
		assert.Equal(t, 2, got.Count)
		require.Len(t, got.Flows, 2)
		assert.Equal(t, "web", got.Flows[0].Service)
	})

	t.Run("by id", func(t *testing.T) {
		rec := doGET(t, s, "/api/v1/flows/1")
		require.Equal(t, http.StatusOK, rec.Code)

		var got flow.Snapshot
		decodeBody(t, rec, &got)
		assert.Equal(t, uint64(1), got.ID)
		assert.Equal(t, "web", got.Service)
		assert.Equal(t, "127.0.0.1:54321", got.ClientAddr)
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := doGET(t, s, "/api/v1/flows/999")
		require.Equal(t, http.StatusNotFound, rec.Code)

		var got map[string]string
		decodeBody(t, rec, &got)
		assert.Contains(t, got["error"], "999")
	})

	t.Run("non-numeric id misses the route", func(t *testing.T) {
		rec := doGET(t, s, "/api/v1/flows/abc")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("overflowing id is rejected", func(t *testing.T) {
		rec := doGET(t, s, "/api/v1/flows/99999999999999999999999")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("released flow disappears", func(t *testing.T) {
		mgr.Finish(f1, nil)
		rec := doGET(t, s, "/api/v1/flows/1")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

const reloadRules = `
rules:
  - name: drop-noise
    phase: raw
    match:
      pattern: 'noise'
    action: drop
  - name: kill-admin
    phase: http-request
    match:
      path: '^/admin'
    action: kill
`

func TestFilterReload(t *testing.T) {
	mgr, hub := testDeps(t)

	path := filepath.Join(t.TempDir(), "web.rules")
	require.NoError(t, os.WriteFile(path, []byte(reloadRules), 0o644))

	eng := filter.NewEngine("web", path, testLogger(), hub, nil)
	require.NoError(t, eng.Load())

	s := testServer(t, Options{Manager: mgr, Hub: hub, Engines: []*filter.Engine{eng}})

	post := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/filters/reload", nil))
		return rec
	}

	t.Run("success reports rule count", func(t *testing.T) {
		rec := post()
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			Results []reloadResult `json:"results"`
		}
		decodeBody(t, rec, &got)
		require.Len(t, got.Results, 1)
		assert.Equal(t, "web", got.Results[0].Service)
		assert.Equal(t, path, got.Results[0].Path)
		assert.Equal(t, 2, got.Results[0].Rules)
		assert.Empty(t, got.Results[0].Error)
	})

	t.Run("failure keeps the previous definition", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))

		rec := post()
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var got struct {
			Results []reloadResult `json:"results"`
		}
		decodeBody(t, rec, &got)
		require.Len(t, got.Results, 1)
		assert.NotEmpty(t, got.Results[0].Error)

		assert.Equal(t, 2, eng.Definition().Len())
	})

	t.Run("reload is GET-proof", func(t *testing.T) {
		rec := doGET(t, s, "/api/v1/filters/reload")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestEventsEndpoint(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Manager: mgr, Hub: hub})

	hub.Publish(events.Event{Type: events.FlowOpened, Service: "web"})
	hub.Publish(events.Event{Type: events.BackendDown, Service: "echo"})

	rec := doGET(t, s, "/api/v1/events")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Events []events.Event `json:"events"`
	}
	decodeBody(t, rec, &got)
	require.Len(t, got.Events, 2)
	assert.Equal(t, events.FlowOpened, got.Events[0].Type)
	assert.Equal(t, events.BackendDown, got.Events[1].Type)
}

func TestEventsWebsocket(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Manager: mgr, Hub: hub})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// The subscription lands moments after the dial returns; publish
	// until a read succeeds.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(25 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.Publish(events.Event{Type: events.FlowOpened, Service: "web"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.FlowOpened, ev.Type)
	assert.Equal(t, "web", ev.Service)
	assert.False(t, ev.Time.IsZero())
}

func TestHealthz(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Manager: mgr, Hub: hub})

	rec := doGET(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	decodeBody(t, rec, &got)
	assert.Equal(t, "ok", got["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	mgr, hub := testDeps(t)

	t.Run("serves registered collectors", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		mx := metrics.New()
		reg.MustRegister(mx)
		mx.FlowOpened("web")

		s := testServer(t, Options{Manager: mgr, Hub: hub, Registry: reg})
		rec := doGET(t, s, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "flytrap_flows_opened_total")
	})

	t.Run("absent without a registry", func(t *testing.T) {
		s := testServer(t, Options{Manager: mgr, Hub: hub})
		rec := doGET(t, s, "/metrics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStartAndShutdown(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Listen: "127.0.0.1:0", Manager: mgr, Hub: hub})

	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + s.Addr().String() + "/healthz")
	assert.Error(t, err)
}

func TestStartRejectsBadListen(t *testing.T) {
	mgr, hub := testDeps(t)
	s := testServer(t, Options{Listen: "127.0.0.1:99999", Manager: mgr, Hub: hub})
	assert.Error(t, s.Start())
}
